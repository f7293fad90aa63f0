// Command guardctl is the operator CLI for the guard server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"github.com/butterr12/iskomunidad-guard/internal/auth"
	"github.com/butterr12/iskomunidad-guard/internal/config"
	"github.com/butterr12/iskomunidad-guard/internal/identity"
)

// CLI is the guardctl command tree.
type CLI struct {
	URL     string        `help:"Guard server base URL." default:"http://localhost:8080" env:"GUARD_URL"`
	Key     string        `help:"Service key for operator endpoints." env:"GUARD_API_KEY"`
	Timeout time.Duration `help:"Request timeout." default:"10s"`

	Stats         StatsCmd         `cmd:"" help:"Show decision counts for a recent window."`
	Events        EventsCmd        `cmd:"" help:"List recent abuse events."`
	ClearCooldown ClearCooldownCmd `cmd:"" name:"clear-cooldown" help:"Clear every live counter for an identity hash."`
	ReloadPolicy  ReloadPolicyCmd  `cmd:"" name:"reload-policy" help:"Reload the server's policy file."`
	Hash          HashCmd          `cmd:"" help:"Compute the identity hash of a raw signal."`
	HashKey       HashKeyCmd       `cmd:"" name:"hash-key" help:"Print the bcrypt hash of a service key for GUARD_API_KEY_HASH."`

	out io.Writer `kong:"-"`
}

func (c *CLI) client() *apiClient {
	return newAPIClient(c.URL, c.Key, c.Timeout)
}

func (c *CLI) stdout() io.Writer {
	if c.out != nil {
		return c.out
	}
	return os.Stdout
}

// StatsCmd prints the summary as JSON.
type StatsCmd struct {
	Hours int `help:"Window in hours." default:"24"`
}

func (c *StatsCmd) Run(cli *CLI) error {
	s, err := cli.client().stats(context.Background(), c.Hours)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cli.stdout())
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// EventsCmd prints a page of events as a table.
type EventsCmd struct {
	Action   string `help:"Filter by action."`
	Decision string `help:"Filter by true decision."`
	User     string `help:"Filter by user id hash."`
	Shadow   *bool  `help:"Only shadow (or, with --no-shadow, enforced) events." negatable:""`
	Page     int    `help:"Page number." default:"1"`
	Size     int    `help:"Page size." default:"50"`
}

func (c *EventsCmd) query() url.Values {
	q := url.Values{}
	q.Set("page", strconv.Itoa(c.Page))
	q.Set("page_size", strconv.Itoa(c.Size))
	if c.Action != "" {
		q.Set("action", c.Action)
	}
	if c.Decision != "" {
		q.Set("decision", c.Decision)
	}
	if c.User != "" {
		q.Set("user_id_hash", c.User)
	}
	if c.Shadow != nil {
		q.Set("is_shadow", strconv.FormatBool(*c.Shadow))
	}
	return q
}

func (c *EventsCmd) Run(cli *CLI) error {
	list, err := cli.client().events(context.Background(), c.query())
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cli.stdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTION\tDECISION\tMODE\tRULE\tCOUNT\tUSER")
	for _, e := range list.Events {
		count := "-"
		if e.CurrentCount != nil && e.LimitValue != nil {
			count = fmt.Sprintf("%d/%d", *e.CurrentCount, *e.LimitValue)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Format(time.RFC3339), e.Action, e.Decision, e.Mode,
			dash(e.TriggeredRule), count, dash(short(e.UserIDHash)))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cli.stdout(), "page %d, %d of %d events\n", list.Page, len(list.Events), list.Total)
	return nil
}

// ClearCooldownCmd clears counters for one hash.
type ClearCooldownCmd struct {
	Hash string `arg:"" help:"Identity hash (user, device or ip)."`
}

func (c *ClearCooldownCmd) Run(cli *CLI) error {
	n, err := cli.client().clearCooldown(context.Background(), c.Hash)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.stdout(), "cleared %d counters\n", n)
	return nil
}

// ReloadPolicyCmd asks the server to re-read its policy file.
type ReloadPolicyCmd struct{}

func (c *ReloadPolicyCmd) Run(cli *CLI) error {
	p, err := cli.client().reloadPolicy(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.stdout(), "policy reloaded: mode=%s actions=%d\n", p.Mode, p.Actions)
	return nil
}

// HashCmd hashes a raw signal the way the server does, so operators can find
// a user's events without the server ever storing the raw id.
type HashCmd struct {
	Secret string `help:"Identity secret." env:"GUARD_IDENTITY_SECRET" required:""`
	Domain string `help:"Signal domain." enum:"ip,device,user" default:"user"`
	Value  string `arg:"" help:"Raw signal value."`
}

func (c *HashCmd) Run(cli *CLI) error {
	r, err := identity.NewResolver([]byte(c.Secret))
	if err != nil {
		return err
	}
	value := c.Value
	if c.Domain == "ip" {
		ip, ok := identity.NormalizeIP(value)
		if !ok {
			return fmt.Errorf("invalid ip %q", value)
		}
		value = ip
	}
	fmt.Fprintln(cli.stdout(), r.Hash(c.Domain, value))
	return nil
}

// HashKeyCmd prints a bcrypt hash for a new service key.
type HashKeyCmd struct {
	Key string `arg:"" help:"Plaintext service key."`
}

func (c *HashKeyCmd) Run(cli *CLI) error {
	h, err := auth.HashKey(c.Key)
	if err != nil {
		return err
	}
	fmt.Fprintln(cli.stdout(), h)
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

func main() {
	_ = config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("guardctl"),
		kong.Description("Operator CLI for the iskomunidad guard server"),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
