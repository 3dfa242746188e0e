package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/hitoshi/walletwiz/internal/auth"
	"github.com/hitoshi/walletwiz/internal/model"
)

// userCreator はユーザーを登録する。auth.Serviceが実装する。
type userCreator interface {
	Signup(ctx context.Context, in auth.SignupInput) (*model.User, error)
}

// passwordPrompter はパスワードを入力させる。
type passwordPrompter interface {
	Prompt(label string) (string, error)
}

var errPasswordMismatch = errors.New("passwords do not match")

// addUser は useradd <email> [first_name] [last_name] を実行する。
// パスワードは確認のため2回入力させる。
func addUser(ctx context.Context, creator userCreator, args []string, prompter passwordPrompter, out io.Writer) error {
	if len(args) == 0 || args[0] == "" {
		return errors.New("usage: walletwiz useradd <email> [first_name] [last_name]")
	}

	in := auth.SignupInput{Email: args[0]}
	if len(args) > 1 {
		in.FirstName = args[1]
	}
	if len(args) > 2 {
		in.LastName = args[2]
	}

	password, err := prompter.Prompt("Password: ")
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	confirm, err := prompter.Prompt("Confirm password: ")
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	if password != confirm {
		return errPasswordMismatch
	}
	in.Password = password

	u, err := creator.Signup(ctx, in)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	fmt.Fprintf(out, "created user %s (%s)\n", u.Email, u.ID)
	return nil
}

// terminalPrompter は端末ではエコーなしで、それ以外（パイプ等）では1行ずつ読む。
type terminalPrompter struct {
	in     *os.File
	out    io.Writer
	reader *bufio.Reader
}

func newTerminalPrompter(in *os.File, out io.Writer) *terminalPrompter {
	return &terminalPrompter{in: in, out: out, reader: bufio.NewReader(in)}
}

func (p *terminalPrompter) Prompt(label string) (string, error) {
	fmt.Fprint(p.out, label)

	fd := int(p.in.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(p.out)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}

	line, err := p.reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
