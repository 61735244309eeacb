// Command shorty is a terminal client for the link service: it keeps a local
// session, shortens URLs with an expiry and lists or deletes the caller's links.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/sundayezeilo/shorty/internal/app"
	"github.com/sundayezeilo/shorty/internal/engine"
	"github.com/sundayezeilo/shorty/internal/errx"
	"github.com/sundayezeilo/shorty/internal/link"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

const usage = `usage: shorty <command> [flags] [args]

commands:
  register -username NAME [-password PASS]   create an account
  login    -username NAME [-password PASS]   start a session
  logout                                     end the session
  whoami                                     show the current session
  shorten  [-days N] URL                     shorten URL, expiring in N days
  list                                       list your links
  delete   [-yes] ID                         delete a link
`

var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr, func() (*app.Client, error) {
		return app.NewClient(os.Stderr)
	}))
}

type cli struct {
	client *app.Client
	in     *bufio.Reader
	out    io.Writer
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, newClient func() (*app.Client, error)) int {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		fmt.Fprint(stdout, usage)
		if len(args) == 0 {
			return exitUsage
		}
		return exitOK
	}

	commands := map[string]func(*cli, context.Context, []string) error{
		"register": (*cli).register,
		"login":    (*cli).login,
		"logout":   (*cli).logout,
		"whoami":   (*cli).whoami,
		"shorten":  (*cli).shorten,
		"list":     (*cli).list,
		"delete":   (*cli).deleteLink,
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "shorty: unknown command %q\n\n%s", args[0], usage)
		return exitUsage
	}

	client, err := newClient()
	if err != nil {
		fmt.Fprintf(stderr, "shorty: %v\n", err)
		return exitError
	}

	c := &cli{client: client, in: bufio.NewReader(stdin), out: stdout}
	if err := cmd(c, ctx, args[1:]); err != nil {
		if errors.Is(err, errUsage) || errors.Is(err, flag.ErrHelp) {
			return exitUsage
		}
		fmt.Fprintf(stderr, "shorty: %s\n", describe(err))
		return exitError
	}
	return exitOK
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func (c *cli) credentials(name string, args []string) (string, string, error) {
	fs := newFlagSet(name)
	username := fs.String("username", "", "account name")
	password := fs.String("password", "", "account password (prompted when empty)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(c.out, "%v\n\n%s", err, usage)
		return "", "", errUsage
	}
	if *username == "" {
		fmt.Fprintf(c.out, "%s: -username is required\n", name)
		return "", "", errUsage
	}
	if *password == "" {
		p, err := c.prompt("Password: ")
		if err != nil {
			return "", "", err
		}
		*password = p
	}
	return *username, *password, nil
}

func (c *cli) register(ctx context.Context, args []string) error {
	username, password, err := c.credentials("register", args)
	if err != nil {
		return err
	}
	if err := c.client.Engine.Register(ctx, username, password); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Account %q created. Run 'shorty login -username %s' to start a session.\n", username, username)
	return nil
}

func (c *cli) login(ctx context.Context, args []string) error {
	username, password, err := c.credentials("login", args)
	if err != nil {
		return err
	}
	if err := c.client.Engine.Login(ctx, username, password); err != nil {
		return err
	}

	st := c.client.Engine.State()
	fmt.Fprintf(c.out, "Logged in as user %s.\n", st.Session.UserID)
	if refresh := st.Op(engine.OpRefresh); refresh.Status == engine.Failed {
		fmt.Fprintf(c.out, "Could not load your links: %s\n", describe(refresh.Err))
	} else {
		fmt.Fprintf(c.out, "You have %d link(s).\n", len(st.Links))
	}
	return nil
}

func (c *cli) logout(_ context.Context, _ []string) error {
	if !c.client.Engine.State().Session.Authenticated {
		fmt.Fprintln(c.out, "Not logged in.")
		return nil
	}
	if err := c.client.Engine.Logout(); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "Logged out.")
	return nil
}

func (c *cli) whoami(_ context.Context, _ []string) error {
	sess := c.client.Engine.State().Session
	if !sess.Authenticated {
		fmt.Fprintln(c.out, "Not logged in.")
		return nil
	}
	fmt.Fprintf(c.out, "User %s\n", sess.UserID)
	if sess.ExpiresAt != nil {
		fmt.Fprintf(c.out, "Session expires %s\n", sess.ExpiresAt.Local().Format("Jan 2, 2006 15:04"))
	}
	return nil
}

func (c *cli) shorten(ctx context.Context, args []string) error {
	fs := newFlagSet("shorten")
	days := fs.Int("days", c.client.Config.DefaultExpiryDays,
		fmt.Sprintf("days until the link expires, one of %v", link.DefaultExpiryPolicy().Options()))
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		fmt.Fprint(c.out, "usage: shorty shorten [-days N] URL\n")
		return errUsage
	}

	rec, err := c.client.Engine.CreateLink(ctx, fs.Arg(0), *days)
	if err != nil {
		return err
	}

	fmt.Fprintln(c.out, rec.ShortURL)
	if rec.ExpiresAt != nil {
		fmt.Fprintf(c.out, "Expires %s\n", link.FormatDate(rec.ExpiresAt.Local()))
	}
	if rec.QRURL != "" {
		fmt.Fprintf(c.out, "QR code %s\n", rec.QRURL)
	}
	return nil
}

func (c *cli) list(ctx context.Context, _ []string) error {
	if !c.client.Engine.State().Session.Authenticated {
		return errx.E("shorty.list", errx.AuthRequired, errors.New("no session"))
	}

	err := c.client.Engine.RefreshLinks(ctx)
	if err != nil && !errors.Is(err, engine.ErrStale) {
		return err
	}

	st := c.client.Engine.State()
	if st.Stale {
		fmt.Fprintf(c.out, "Showing cached links: %s\n", describe(st.Op(engine.OpRefresh).Err))
	}
	if len(st.Links) == 0 {
		fmt.Fprintln(c.out, "No links yet.")
		return nil
	}

	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSHORT URL\tORIGINAL URL\tCLICKS\tCREATED\tEXPIRES")
	for _, v := range st.Links {
		expires := v.ExpiresLabel
		if v.Expired {
			expires += " (expired)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			v.ID, v.ShortURL, truncate(v.OriginalURL, 60), v.Clicks, v.CreatedLabel, expires)
	}
	return tw.Flush()
}

func (c *cli) deleteLink(ctx context.Context, args []string) error {
	fs := newFlagSet("delete")
	yes := fs.Bool("yes", false, "skip the confirmation prompt")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		fmt.Fprint(c.out, "usage: shorty delete [-yes] ID\n")
		return errUsage
	}
	id := link.ID(fs.Arg(0))

	if !*yes {
		answer, err := c.prompt(fmt.Sprintf("Delete link %s? [y/N] ", id))
		if err != nil {
			return err
		}
		if a := strings.ToLower(answer); a != "y" && a != "yes" {
			fmt.Fprintln(c.out, "Cancelled.")
			return nil
		}
	}

	if err := c.client.Engine.DeleteLink(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Deleted link %s.\n", id)
	return nil
}

// prompt reads one line. End of input counts as an empty answer.
func (c *cli) prompt(question string) (string, error) {
	fmt.Fprint(c.out, question)
	line, err := c.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// describe turns an engine error into a message for the terminal.
func describe(err error) string {
	if err == nil {
		return ""
	}
	msg := errx.Message(err)
	switch errx.KindOf(err) {
	case errx.AuthRequired:
		return "not logged in; run 'shorty login' first (" + msg + ")"
	case errx.Unauthorized:
		return "your session has expired; log in again"
	case errx.InvalidCredentials:
		return "invalid username or password"
	case errx.Network:
		return "cannot reach the link service: " + msg
	case errx.Server:
		return "the link service failed: " + msg
	case errx.Busy:
		return "another request of this kind is still running"
	case errx.NotFound:
		return "link not found"
	default:
		return msg
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
