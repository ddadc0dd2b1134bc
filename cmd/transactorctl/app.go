package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"transactor-client/internal/adapter/httpclient"
	"transactor-client/internal/adapter/journal"
	"transactor-client/internal/adapter/kvs"
	"transactor-client/internal/adapter/token"
	"transactor-client/internal/domain"
	"transactor-client/internal/infra/config"
	"transactor-client/internal/usecase/transactor"
	"transactor-client/internal/usecase/watch"
)

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:      "transactorctl",
		Usage:     "talk to a transactor",
		Writer:    out,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				EnvVars: []string{"TRANSACTOR_CONFIG"},
				Usage:   "config file `PATH`",
			},
			&cli.StringFlag{
				Name:  "transport",
				Usage: "override transactor.transport (ws or http)",
			},
		},
		Commands: []*cli.Command{
			accountCommand(out),
			findCommand(out),
			createCommand(out),
			updateCommand(out),
			removeCommand(out),
			watchCommand(out),
			pingCommand(out),
			kvsCommand(out),
			tokenCommand(out),
			journalCommand(out),
			configCommand(out),
			doctorCommand(out),
		},
	}
}

// clientAction runs fn against a client on the configured transport.
func clientAction(out io.Writer, fn func(ctx context.Context, rt *runtime, c *transactor.Client[transactor.Backend], cc *cli.Context) error) cli.ActionFunc {
	return func(cc *cli.Context) error {
		rt, err := setup(cc, out)
		if err != nil {
			return err
		}
		defer rt.Close()

		b, closeBackend, err := rt.backend(cc.Context)
		if err != nil {
			return err
		}
		defer closeBackend()
		return fn(cc.Context, rt, transactor.New(b, rt.log), cc)
	}
}

func accountCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "account",
		Usage: "print the account the token speaks for",
		Action: clientAction(out, func(ctx context.Context, rt *runtime, c *transactor.Client[transactor.Backend], _ *cli.Context) error {
			acc, err := transactor.Account(ctx, c)
			if err != nil {
				return err
			}
			return printJSON(rt.out, acc)
		}),
	}
}

func findCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "find",
		Usage:     "list documents of a class",
		ArgsUsage: "<class>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "query", Value: "{}", Usage: "query as a JSON object"},
			&cli.IntFlag{Name: "limit", Usage: "maximum documents to return (0 = server default)"},
			&cli.BoolFlag{Name: "total", Usage: "ask the server for the total count"},
		},
		Action: clientAction(out, func(ctx context.Context, rt *runtime, c *transactor.Client[transactor.Backend], cc *cli.Context) error {
			class, err := requireArg(cc, 0, "class")
			if err != nil {
				return err
			}
			query, err := jsonObject(cc.String("query"), "query")
			if err != nil {
				return err
			}
			opts := domain.FindOptions{Total: cc.Bool("total")}
			if n := cc.Int("limit"); n > 0 {
				opts = opts.WithLimit(n)
			}
			res, err := transactor.FindAll[json.RawMessage](ctx, c, class, query, opts)
			if err != nil {
				return err
			}
			return printJSON(rt.out, res)
		}),
	}
}

func createCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "create",
		Usage:     "create a document",
		ArgsUsage: "<class>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "space", Required: true},
			&cli.StringFlag{Name: "attrs", Value: "{}", Usage: "attributes as a JSON object"},
			&cli.StringFlag{Name: "id", Usage: "document id (generated when empty)"},
			&cli.StringFlag{Name: "modified-by", Usage: "social id recorded on the tx (defaults to the account's primary)"},
		},
		Action: clientAction(out, func(ctx context.Context, rt *runtime, c *transactor.Client[transactor.Backend], cc *cli.Context) error {
			class, err := requireArg(cc, 0, "class")
			if err != nil {
				return err
			}
			attrs, err := jsonObject(cc.String("attrs"), "attrs")
			if err != nil {
				return err
			}
			by, err := modifiedBy(ctx, c, cc.String("modified-by"))
			if err != nil {
				return err
			}
			id, err := transactor.CreateDoc(ctx, c, transactor.CreateDocument{
				ObjectID:    cc.String("id"),
				ObjectClass: class,
				ObjectSpace: cc.String("space"),
				ModifiedBy:  by,
				Attributes:  attrs,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(rt.out, id)
			return err
		}),
	}
}

func updateCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "update",
		Usage:     "apply update operations to a document",
		ArgsUsage: "<class> <id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "space", Required: true},
			&cli.StringFlag{Name: "set", Required: true, Usage: "operations as a JSON object"},
			&cli.BoolFlag{Name: "retrieve", Usage: "return the updated document"},
			&cli.StringFlag{Name: "modified-by"},
		},
		Action: clientAction(out, func(ctx context.Context, rt *runtime, c *transactor.Client[transactor.Backend], cc *cli.Context) error {
			class, err := requireArg(cc, 0, "class")
			if err != nil {
				return err
			}
			id, err := requireArg(cc, 1, "id")
			if err != nil {
				return err
			}
			var ops map[string]any
			if err := json.Unmarshal([]byte(cc.String("set")), &ops); err != nil {
				return fmt.Errorf("set: %w: %w", domain.ErrInvalidInput, err)
			}
			by, err := modifiedBy(ctx, c, cc.String("modified-by"))
			if err != nil {
				return err
			}
			res, err := transactor.UpdateDoc(ctx, c, transactor.UpdateDocument{
				ObjectID:    id,
				ObjectClass: class,
				ObjectSpace: cc.String("space"),
				ModifiedBy:  by,
				Operations:  ops,
				Retrieve:    cc.Bool("retrieve"),
			})
			if err != nil {
				return err
			}
			return printJSON(rt.out, res)
		}),
	}
}

func removeCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "remove",
		Usage:     "remove a document",
		ArgsUsage: "<class> <id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "space", Required: true},
			&cli.StringFlag{Name: "modified-by"},
		},
		Action: clientAction(out, func(ctx context.Context, rt *runtime, c *transactor.Client[transactor.Backend], cc *cli.Context) error {
			class, err := requireArg(cc, 0, "class")
			if err != nil {
				return err
			}
			id, err := requireArg(cc, 1, "id")
			if err != nil {
				return err
			}
			by, err := modifiedBy(ctx, c, cc.String("modified-by"))
			if err != nil {
				return err
			}
			return transactor.RemoveDoc(ctx, c, transactor.RemoveDocument{
				ObjectID:    id,
				ObjectClass: class,
				ObjectSpace: cc.String("space"),
				ModifiedBy:  by,
			})
		}),
	}
}

func watchCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "print a live query's snapshot and changes until interrupted",
		ArgsUsage: "<class>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "query", Value: "{}", Usage: "query as a JSON object"},
			&cli.BoolFlag{Name: "journal", Usage: "record changes in the local journal"},
		},
		Action: func(cc *cli.Context) error {
			class, err := requireArg(cc, 0, "class")
			if err != nil {
				return err
			}
			query, err := jsonObject(cc.String("query"), "query")
			if err != nil {
				return err
			}

			rt, err := setup(cc, out)
			if err != nil {
				return err
			}
			defer rt.Close()

			var j watch.Journal
			jc := rt.cfg.Journal
			if cc.Bool("journal") || jc.Enabled {
				store, err := openJournal(jc.Path)
				if err != nil {
					return err
				}
				defer store.Close()
				j = store
			}

			b, err := rt.connectWS(cc.Context)
			if err != nil {
				return err
			}
			defer b.Close()

			w, err := watch.New(transactor.New(b, rt.log), j, printEvent(rt.out), watch.Config{
				Class:         class,
				Query:         query,
				Retention:     jc.Retention,
				PruneSchedule: jc.PruneSchedule,
			}, rt.log)
			if err != nil {
				return err
			}
			return w.Run(cc.Context)
		},
	}
}

func printEvent(out io.Writer) watch.Handler {
	return func(_ context.Context, ev watch.Event) {
		if ev.Kind == domain.LiveInitial {
			fmt.Fprintf(out, "snapshot\t%d documents\n", len(ev.Snapshot))
			for _, doc := range ev.Snapshot {
				fmt.Fprintf(out, "\t%s\n", doc)
			}
			return
		}
		fmt.Fprintf(out, "%s\t%s\n", ev.Event.Kind, ev.Event.ObjectID())
	}
}

func pingCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "ping",
		Usage: "open a websocket session, print the handshake and measure a round trip",
		Action: func(cc *cli.Context) error {
			rt, err := setup(cc, out)
			if err != nil {
				return err
			}
			defer rt.Close()

			b, err := rt.connectWS(cc.Context)
			if err != nil {
				return err
			}
			defer b.Close()

			hello := b.Hello()
			fmt.Fprintf(rt.out, "server version:\t%s\n", hello.ServerVersion)
			fmt.Fprintf(rt.out, "binary:\t\t%t\n", hello.Binary)
			fmt.Fprintf(rt.out, "compression:\t%t\n", hello.Compression())
			fmt.Fprintf(rt.out, "account:\t%s\n", hello.Account.UUID)

			rtt, err := b.Ping(cc.Context)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(rt.out, "rtt:\t\t%s\n", rtt.Round(time.Microsecond))
			return err
		},
	}
}

func kvsCommand(out io.Writer) *cli.Command {
	action := func(fn func(ctx context.Context, rt *runtime, c *kvs.Client, key string, cc *cli.Context) error) cli.ActionFunc {
		return func(cc *cli.Context) error {
			key, err := requireArg(cc, 0, "key")
			if err != nil {
				return err
			}
			rt, err := setup(cc, out)
			if err != nil {
				return err
			}
			defer rt.Close()

			c, err := rt.kvsClient()
			if err != nil {
				return err
			}
			return fn(cc.Context, rt, c, key, cc)
		}
	}

	return &cli.Command{
		Name:  "kvs",
		Usage: "read and write the key-value store",
		Subcommands: []*cli.Command{
			{
				Name:      "get",
				ArgsUsage: "<key>",
				Action: action(func(ctx context.Context, rt *runtime, c *kvs.Client, key string, _ *cli.Context) error {
					v, ok, err := c.Get(ctx, key)
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("%s/%s: %w", c.Namespace(), key, domain.ErrNotFound)
					}
					_, err = rt.out.Write(v)
					return err
				}),
			},
			{
				Name:      "put",
				ArgsUsage: "<key> [value]",
				Usage:     "store value, or stdin when value is omitted",
				Action: action(func(ctx context.Context, _ *runtime, c *kvs.Client, key string, cc *cli.Context) error {
					var v []byte
					if cc.NArg() > 1 {
						v = []byte(cc.Args().Get(1))
					} else {
						var err error
						if v, err = io.ReadAll(os.Stdin); err != nil {
							return err
						}
					}
					return c.Upsert(ctx, key, v)
				}),
			},
			{
				Name:      "delete",
				ArgsUsage: "<key>",
				Action: action(func(ctx context.Context, _ *runtime, c *kvs.Client, key string, _ *cli.Context) error {
					return c.Delete(ctx, key)
				}),
			},
		},
	}
}

func (rt *runtime) kvsClient() (*kvs.Client, error) {
	if rt.cfg.KVS.URL == "" {
		return nil, fmt.Errorf("kvs.url is not set: %w", domain.ErrInvalidInput)
	}
	base, err := endpoint(rt.cfg.KVS.URL, false)
	if err != nil {
		return nil, err
	}
	tok, err := rt.bearer()
	if err != nil {
		return nil, err
	}
	policy := httpclient.KVSPolicy()
	policy.MaxElapsed = rt.cfg.KVS.MaxElapsed
	return kvs.New(rt.httpClient("kvs", policy), base, rt.cfg.KVS.Namespace, tok, rt.log)
}

func tokenCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "issue and inspect service tokens",
		Subcommands: []*cli.Command{
			{
				Name:  "issue",
				Usage: "sign a token with token.secret",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "account", Usage: "account UUID (defaults to token.account)"},
					&cli.StringFlag{Name: "workspace", Usage: "workspace UUID (defaults to token.workspace)"},
					&cli.DurationFlag{Name: "ttl", Usage: "lifetime (defaults to token.ttl, 0 = no expiry)"},
					&cli.StringSliceFlag{Name: "extra", Usage: "extra claim as key=value, repeatable"},
				},
				Action: func(cc *cli.Context) error {
					rt, err := setup(cc, out)
					if err != nil {
						return err
					}
					defer rt.Close()

					t := rt.cfg.Token
					account, ws, ttl := orDefault(cc.String("account"), t.Account), orDefault(cc.String("workspace"), t.Workspace), t.TTL
					if cc.IsSet("ttl") {
						ttl = cc.Duration("ttl")
					}
					extra, err := parseExtra(cc.StringSlice("extra"))
					if err != nil {
						return err
					}
					claims, err := tokenClaims(account, ws, ttl, extra)
					if err != nil {
						return err
					}
					issuer, err := token.NewIssuer(t.Secret)
					if err != nil {
						return err
					}
					signed, err := issuer.Issue(claims)
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(rt.out, signed)
					return err
				},
			},
			{
				Name:      "inspect",
				Usage:     "print a token's claims, verifying it when token.secret is set",
				ArgsUsage: "<token>",
				Action: func(cc *cli.Context) error {
					tok, err := requireArg(cc, 0, "token")
					if err != nil {
						return err
					}
					rt, err := setup(cc, out)
					if err != nil {
						return err
					}
					defer rt.Close()

					var claims token.Claims
					if secret := rt.cfg.Token.Secret; secret != "" {
						claims, err = token.Parse(tok, secret)
					} else {
						claims, err = token.ParseUnverified(tok)
					}
					if err != nil {
						return err
					}
					return printJSON(rt.out, claims)
				},
			},
		},
	}
}

func tokenClaims(account, workspace string, ttl time.Duration, extra map[string]string) (token.Claims, error) {
	acc, err := uuid.Parse(account)
	if err != nil {
		return token.Claims{}, fmt.Errorf("account %q: %w", account, domain.ErrInvalidInput)
	}
	claims := token.Claims{Account: acc, Extra: extra, TTL: ttl}
	if workspace != "" {
		ws, err := uuid.Parse(workspace)
		if err != nil {
			return token.Claims{}, fmt.Errorf("workspace %q: %w", workspace, domain.ErrInvalidInput)
		}
		claims.Workspace = &ws
	}
	return claims, nil
}

func parseExtra(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("extra %q: want key=value: %w", p, domain.ErrInvalidInput)
		}
		out[k] = v
	}
	return out, nil
}

func journalCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "journal",
		Usage: "inspect the local event journal",
		Subcommands: []*cli.Command{
			{
				Name:      "list",
				ArgsUsage: "<class>",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "since", Usage: "only entries newer than this"},
					&cli.IntFlag{Name: "limit", Value: journal.DefaultListLimit},
				},
				Action: func(cc *cli.Context) error {
					class, err := requireArg(cc, 0, "class")
					if err != nil {
						return err
					}
					rt, err := setup(cc, out)
					if err != nil {
						return err
					}
					defer rt.Close()

					store, err := openJournal(rt.cfg.Journal.Path)
					if err != nil {
						return err
					}
					defer store.Close()

					var since time.Time
					if d := cc.Duration("since"); d > 0 {
						since = time.Now().Add(-d)
					}
					entries, err := store.List(cc.Context, class, since, cc.Int("limit"))
					if err != nil {
						return err
					}
					for _, e := range entries {
						fmt.Fprintf(rt.out, "%s\t%s\t%s\t%s\n", e.ReceivedAt.Format(time.RFC3339), e.Kind, e.ObjectID, e.Payload)
					}
					return nil
				},
			},
		},
	}
}

func openJournal(path string) (*journal.SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("journal.path is not set: %w", domain.ErrInvalidInput)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("journal dir: %w", err)
	}
	return journal.Open(path)
}

func configCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "config helpers",
		Subcommands: []*cli.Command{
			{
				Name:      "encrypt",
				Usage:     "encrypt a secret for use as an enc: value",
				ArgsUsage: "<value>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "key", EnvVars: []string{config.KeyEnv}, Usage: "passphrase"},
				},
				Action: func(cc *cli.Context) error {
					value, err := requireArg(cc, 0, "value")
					if err != nil {
						return err
					}
					key := cc.String("key")
					if key == "" {
						return fmt.Errorf("no passphrase: set --key or %s: %w", config.KeyEnv, domain.ErrInvalidInput)
					}
					enc, err := config.EncryptValue(value, key)
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(out, "enc:"+enc)
					return err
				},
			},
		},
	}
}

// modifiedBy returns by, or the account's primary social id when by is empty.
func modifiedBy(ctx context.Context, c *transactor.Client[transactor.Backend], by string) (domain.PersonID, error) {
	if by != "" {
		return by, nil
	}
	acc, err := transactor.Account(ctx, c)
	if err != nil {
		return "", fmt.Errorf("resolve modified-by: %w", err)
	}
	if acc.PrimarySocialID == "" {
		return "", errors.New("account has no primary social id; pass --modified-by")
	}
	return acc.PrimarySocialID, nil
}

func requireArg(cc *cli.Context, i int, name string) (string, error) {
	v := cc.Args().Get(i)
	if v == "" {
		return "", fmt.Errorf("missing <%s> argument: %w", name, domain.ErrInvalidInput)
	}
	return v, nil
}

// jsonObject checks that s is a JSON object and returns it raw.
func jsonObject(s, name string) (json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &m); err != nil || m == nil {
		return nil, fmt.Errorf("%s must be a JSON object: %w", name, domain.ErrInvalidInput)
	}
	return json.RawMessage(s), nil
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
