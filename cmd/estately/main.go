package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"github.com/estately/client-go/internal/config"
	"github.com/estately/client-go/internal/gateway"
	"github.com/estately/client-go/internal/geocoding"
	"github.com/estately/client-go/internal/guard"
	"github.com/estately/client-go/internal/moderation"
	"github.com/estately/client-go/internal/property"
	"github.com/estately/client-go/internal/session"
	"github.com/estately/client-go/internal/submit"
	"github.com/estately/client-go/internal/token"
	"github.com/estately/client-go/internal/verify"
	"github.com/shopspring/decimal"
)

const usage = `usage: estately <command> [flags]

commands:
  register   create an account
  login      authenticate and store tokens
  logout     discard stored tokens
  whoami     show the current session
  list       list approved properties (-mine for your own, -all for staff)
  submit     submit a new property listing
  approve    approve a pending property (staff)
  reject     reject a property (staff)
  delete     delete one of your properties
`

// app bundles the wired components for command handlers.
type app struct {
	cfg        config.Config
	sessions   *session.Manager
	properties *property.Client
	pipeline   *submit.Pipeline
	moderation *moderation.Machine
}

func main() {
	_ = godotenv.Load(".env.local")

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg := config.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if cfg.TokenPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.TokenPath = filepath.Join(home, ".estately", "tokens.json")
		}
	}
	store := openTokenStore(cfg.TokenPath)

	gw := gateway.New(store, cfg.APIBaseURL+"/api/auth/refresh/")
	if u, err := url.Parse(cfg.GeocodeURL); err == nil {
		// Nominatim's usage policy: at most one request per second.
		gw.SetRateLimit(u.Host, rate.Limit(1), 1)
	}
	sessions := session.NewManager(store, gw, cfg.APIBaseURL)
	properties := property.NewClient(cfg.APIBaseURL, gw)
	verifier := verify.NewClient(cfg.VerifyURL, gw)
	geocoder := geocoding.NewClient(cfg.GeocodeURL, gw)

	a := &app{
		cfg:        cfg,
		sessions:   sessions,
		properties: properties,
		pipeline:   submit.New(verifier, geocoder, properties),
		moderation: moderation.New(properties),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := a.run(ctx, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, "estately:", err)
		os.Exit(1)
	}
}

// openTokenStore opens the persistent store at path. When the directory
// cannot be created or the file is unreadable, tokens are kept in memory
// for this run only.
func openTokenStore(path string) *token.Store {
	if path == "" {
		return token.NewStore()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		fmt.Fprintln(os.Stderr, "estately: token store:", err, "(tokens will not persist)")
		return token.NewStore()
	}
	store, err := token.NewFileStore(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "estately: token store:", err, "(tokens will not persist)")
		return token.NewStore()
	}
	return store
}

func (a *app) run(ctx context.Context, command string, args []string) error {
	switch command {
	case "register":
		return a.register(ctx, args)
	case "login":
		return a.login(ctx, args)
	case "logout":
		a.sessions.Logout()
		fmt.Println("logged out")
		return nil
	case "whoami":
		return a.whoami(ctx)
	case "list":
		return a.list(ctx, args)
	case "submit":
		return a.submit(ctx, args)
	case "approve":
		return a.transition(ctx, args, a.moderation.Approve)
	case "reject":
		return a.transition(ctx, args, a.moderation.Reject)
	case "delete":
		return a.delete(ctx, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func (a *app) register(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	username := fs.String("username", "", "username")
	email := fs.String("email", "", "email address")
	password := fs.String("password", "", "password")
	fs.Parse(args)

	if err := a.sessions.Register(ctx, *username, *email, *password); err != nil {
		return err
	}
	fmt.Println("account created; run `estately login`")
	return nil
}

func (a *app) login(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	username := fs.String("username", "", "username")
	password := fs.String("password", "", "password")
	fs.Parse(args)

	if err := a.sessions.Login(ctx, *username, *password); err != nil {
		return err
	}
	s := a.sessions.Current()
	fmt.Printf("logged in as %s (%s)\n", *username, s.Role)
	return nil
}

func (a *app) whoami(ctx context.Context) error {
	s, err := a.sessions.Resolve(ctx)
	if err != nil {
		return err
	}
	if s.Identity == nil {
		fmt.Println("anonymous")
		return nil
	}
	fmt.Printf("%s (%s)\n", s.Identity.Username, s.Role)
	return nil
}

func (a *app) list(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	mine := fs.Bool("mine", false, "only your own listings")
	all := fs.Bool("all", false, "all listings regardless of status (staff)")
	fs.Parse(args)

	var (
		props []property.Property
		err   error
	)
	switch {
	case *all:
		if redir := a.requireRole(ctx, session.RoleStaff); redir != nil {
			return redir
		}
		props, err = a.properties.ListAll(ctx)
	case *mine:
		if redir := a.requireRole(ctx, session.RoleMember); redir != nil {
			return redir
		}
		props, err = a.properties.ListMine(ctx)
	default:
		props, err = a.properties.List(ctx)
	}
	if err != nil {
		return err
	}

	for _, p := range props {
		fmt.Printf("%6d  %-9s  %10s  %s — %s\n", p.ID, p.Status, p.Price.StringFixed(2), p.Title, p.Location)
	}
	fmt.Printf("%d properties\n", len(props))
	return nil
}

func (a *app) submit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	title := fs.String("title", "", "listing title")
	description := fs.String("description", "", "listing description")
	price := fs.String("price", "", "asking price, e.g. 1250.50")
	location := fs.String("location", "", "location text")
	lat := fs.Float64("lat", 0, "latitude of the map pin")
	lng := fs.Float64("lng", 0, "longitude of the map pin")
	fs.Parse(args)

	if redir := a.requireRole(ctx, session.RoleMember); redir != nil {
		return redir
	}

	amount, err := decimal.NewFromString(*price)
	if err != nil {
		return fmt.Errorf("invalid price %q: %w", *price, err)
	}

	draft := &property.Draft{
		Title:       *title,
		Description: *description,
		Price:       amount,
		Location:    *location,
	}
	if *lat != 0 || *lng != 0 {
		draft.Latitude = lat
		draft.Longitude = lng
	}

	for _, path := range fs.Args() {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read image %s: %w", path, err)
		}
		draft.Media = append(draft.Media, property.MediaFile{Name: filepath.Base(path), Data: data})
	}

	created, err := a.pipeline.Submit(ctx, draft)
	if err != nil {
		return err
	}
	fmt.Printf("property %d submitted; waiting for approval\n", created.ID)
	return nil
}

type transitionFunc func(ctx context.Context, actor session.Session, id int64) (*property.Property, error)

func (a *app) transition(ctx context.Context, args []string, apply transitionFunc) error {
	fs := flag.NewFlagSet("moderate", flag.ExitOnError)
	id := fs.Int64("id", 0, "property id")
	fs.Parse(args)

	if redir := a.requireRole(ctx, session.RoleStaff); redir != nil {
		return redir
	}

	updated, err := apply(ctx, a.sessions.Current(), *id)
	if err != nil {
		return err
	}
	fmt.Printf("property %d is now %s\n", updated.ID, updated.Status)
	return nil
}

func (a *app) delete(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	id := fs.Int64("id", 0, "property id")
	fs.Parse(args)

	if redir := a.requireRole(ctx, session.RoleMember); redir != nil {
		return redir
	}
	if err := a.properties.Delete(ctx, *id); err != nil {
		return err
	}
	fmt.Printf("property %d deleted\n", *id)
	return nil
}

// requireRole resolves the session and consults the access guard. The
// CLI's "redirect" is an instruction to log in.
func (a *app) requireRole(ctx context.Context, required session.Role) error {
	if _, err := a.sessions.Resolve(ctx); err != nil {
		return err
	}
	decision := guard.Admit(required, a.sessions.Snapshot())
	switch decision.Kind {
	case guard.Allow:
		return nil
	case guard.Redirect:
		if decision.Target == guard.TargetStaffLogin {
			return fmt.Errorf("staff access required; log in with a staff account")
		}
		return fmt.Errorf("login required; run `estately login`")
	default:
		return fmt.Errorf("session not resolved yet; try again")
	}
}
