package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/foxcpp/mailout"
	"github.com/foxcpp/mailout/log"
	"github.com/foxcpp/mailout/storage"
)

func main() {
	app := &cli.App{
		Name:  "mailout-send",
		Usage: "submit a message for delivery and watch its progress",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "configuration file to use",
				EnvVars: []string{"MAILOUT_CONFIG"},
				Value:   "mailout.toml",
			},
			&cli.StringFlag{
				Name:  "state",
				Usage: "SQLite database for delivery state, in-memory if empty",
			},
			&cli.BoolFlag{
				Name:  "wait",
				Usage: "poll until delivery completes and print per-recipient results",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug log",
			},
		},
		ArgsUsage: "[message file]",
		Action:    run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

func run(ctx *cli.Context) error {
	cfg, err := mailout.LoadConfig(ctx.String("config"))
	if err != nil {
		return err
	}
	cfg.Logger = log.DefaultLogger
	cfg.Logger.Debug = ctx.Bool("debug")

	var backend storage.Storage = storage.NewMemory()
	if path := ctx.String("state"); path != "" {
		db, err := storage.OpenSQLite(path)
		if err != nil {
			return err
		}
		defer db.Close()
		backend = db
	}

	msg, err := readMessage(ctx)
	if err != nil {
		return err
	}

	engine, err := mailout.New(*cfg, backend)
	if err != nil {
		return err
	}
	defer engine.Close()

	msgID, err := engine.SendEmail(msg)
	if err != nil {
		return err
	}
	if err := engine.Start(); err != nil {
		return err
	}
	fmt.Println(msgID)

	if !ctx.Bool("wait") {
		if ctx.String("state") == "" {
			return errors.New("refusing to exit: in-memory state would lose the queued message, pass -wait or -state")
		}
		return nil
	}

	for {
		st, err := engine.QueryStatus(msgID)
		if err != nil {
			return err
		}
		if st.Completed() {
			out, err := json.MarshalIndent(st, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			if !st.Succeeded() {
				return cli.Exit("delivery failed for one or more recipients", 1)
			}
			return nil
		}
		time.Sleep(time.Second)
	}
}

func readMessage(ctx *cli.Context) ([]byte, error) {
	if ctx.NArg() > 1 {
		return nil, errors.New("at most one message file is expected")
	}
	if ctx.NArg() == 1 {
		return os.ReadFile(ctx.Args().First())
	}
	return io.ReadAll(os.Stdin)
}
