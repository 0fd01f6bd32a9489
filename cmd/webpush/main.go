// Command webpush generates keys, seals subscriptions for storage and sends
// test notifications using a webpush config file.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/lifedeck/webpush"
)

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Value:   "webpush.ini",
	Usage:   "path to the config file",
	EnvVars: []string{"WEBPUSH_CONFIG"},
}

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "webpush",
		Usage: "encrypted Web Push notifications",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
		},
		Commands: []*cli.Command{
			{
				Name:   "genkeys",
				Usage:  "print a fresh VAPID key pair and at-rest secret",
				Action: runGenKeys,
			},
			{
				Name:  "seal",
				Usage: "encrypt a browser subscription for storage",
				Flags: []cli.Flag{
					configFlag,
					&cli.StringFlag{Name: "endpoint", Required: true},
					&cli.StringFlag{Name: "p256dh", Required: true},
					&cli.StringFlag{Name: "auth", Required: true},
				},
				Action: runSeal,
			},
			{
				Name:  "send",
				Usage: "send a message to a sealed subscription",
				Flags: []cli.Flag{
					configFlag,
					&cli.StringFlag{Name: "subscription", Aliases: []string{"s"}, Required: true, Usage: "sealed subscription JSON file"},
					&cli.StringFlag{Name: "message", Aliases: []string{"m"}, Required: true},
					&cli.IntFlag{Name: "ttl", Value: -1, Usage: "TTL in seconds, defaults to the configured TTL"},
					&cli.StringFlag{Name: "urgency", Value: string(webpush.UrgencyNormal)},
					&cli.StringFlag{Name: "topic"},
				},
				Action: runSend,
			},
		},
	}
}

func newLogger(c *cli.Context) zerolog.Logger {
	level := zerolog.InfoLevel
	if c.Bool("debug") {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()
}

func runGenKeys(c *cli.Context) error {
	keys, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return err
	}
	secret := make([]byte, 32+12)
	if _, err := rand.Read(secret); err != nil {
		return err
	}

	w := c.App.Writer
	fmt.Fprintln(w, "[webpush]")
	fmt.Fprintf(w, "VAPID_PRIVATE_KEY = %s\n", keys.PrivateKeyString())
	fmt.Fprintf(w, "SECRET_KEY = %s\n", base64.StdEncoding.EncodeToString(secret[:32]))
	fmt.Fprintf(w, "SECRET_NONCE = %s\n", base64.StdEncoding.EncodeToString(secret[32:]))
	fmt.Fprintf(w, "; applicationServerKey: %s\n", keys.PublicKeyString())
	return nil
}

func runSeal(c *cli.Context) error {
	cfg, err := webpush.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	cipher, err := cfg.Cipher()
	if err != nil {
		return err
	}
	// reject keys the encryptor would refuse later
	if _, err := webpush.DecodeSubscriptionKeys(c.String("auth"), c.String("p256dh")); err != nil {
		return err
	}

	sub := cipher.SealSubscription(c.String("endpoint"), c.String("p256dh"), c.String("auth"))
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(sub)
}

func runSend(c *cli.Context) error {
	logger := newLogger(c)

	cfg, err := webpush.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	cipher, err := cfg.Cipher()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(c.String("subscription"))
	if err != nil {
		return err
	}
	sub := new(webpush.StoredSubscription)
	if err := json.Unmarshal(data, sub); err != nil {
		return fmt.Errorf("parsing %s: %w", c.String("subscription"), err)
	}

	options := cfg.Options()
	if ttl := c.Int("ttl"); ttl >= 0 {
		options.TTL = ttl
	}
	options.Urgency = webpush.Urgency(c.String("urgency"))
	options.Topic = c.String("topic")

	store := webpush.NewMemoryStore()
	id := store.Put(sub)
	dispatcher := webpush.NewDispatcher(
		webpush.NewBuilder(cfg, cipher),
		store,
		&http.Client{Timeout: cfg.Timeout},
		logger,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := dispatcher.Notify(ctx, id, []byte(c.String("message")), options); err != nil {
		return err
	}
	logger.Info().Str("subscription", id.String()).Msg("sent")
	return nil
}
