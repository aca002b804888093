package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/receipt-ledger/internal/imageprep"
	"github.com/zombor/receipt-ledger/internal/receipt"
	"github.com/zombor/receipt-ledger/internal/relay"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Error("Failed to load .env", "error", err)
		os.Exit(1)
	}

	fs := ff.NewFlagSet("receipt-scan")
	var (
		relayURL  = fs.StringLong("relay", "http://localhost:8080", "Relay base URL")
		loginID   = fs.StringLong("login-id", "", "Shared login ID")
		loginPass = fs.StringLong("login-pass", "", "Shared login password")
		model     = fs.StringLong("model", "", "Model to extract with (default: the relay's default)")
		store     = fs.StringLong("store", "", "Override the store name")
		date      = fs.StringLong("date", "", "Override the receipt date (YYYY-MM-DD)")
		payer     = fs.StringLong("payer", "", "Who paid")
		save      = fs.BoolLong("save", "Append the rows to the ledger")
	)

	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("RECEIPT_LEDGER")); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(fs.GetArgs()) != 1 {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "usage: receipt-scan [flags] <image>\n")
		os.Exit(2)
	}

	if err := run(fs.GetArgs()[0], options{
		relayURL:  *relayURL,
		loginID:   *loginID,
		loginPass: *loginPass,
		model:     *model,
		store:     *store,
		date:      *date,
		payer:     *payer,
		save:      *save,
	}); err != nil {
		if errors.Is(err, receipt.ErrCanceled) {
			fmt.Fprintln(os.Stderr, "canceled")
			os.Exit(130)
		}
		slog.Error("Failed to scan receipt", "error", err)
		os.Exit(1)
	}
}

type options struct {
	relayURL  string
	loginID   string
	loginPass string
	model     string
	store     string
	date      string
	payer     string
	save      bool
}

func run(path string, opts options) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}
	prepared, err := imageprep.Prepare(data, imageprep.MimeTypeFor(path))
	if err != nil {
		return fmt.Errorf("preparing image: %w", err)
	}
	slog.Info("Prepared image", "width", prepared.Width, "height", prepared.Height, "bytes", len(prepared.Data))

	client, err := relay.NewClient(opts.relayURL)
	if err != nil {
		return err
	}
	if err := client.Login(ctx, opts.loginID, opts.loginPass); err != nil {
		return fmt.Errorf("logging in: %w", err)
	}
	defer client.Logout(context.Background())

	cfg, err := client.Config(ctx)
	if err != nil {
		return err
	}
	version, err := receipt.ParseSchemaVersion(cfg.SchemaVersion)
	if err != nil {
		return err
	}
	profile := receipt.Profile{
		PromptTemplate: cfg.Prompt,
		SchemaVersion:  version,
		EnabledModels:  cfg.Models,
		Currency:       cfg.Currency,
	}
	if opts.model == "" {
		opts.model = cfg.DefaultModel
	}

	screen := receipt.NewScreen(client, client, profile)
	screen.Select(receipt.Image{Data: prepared.Base64(), MimeType: prepared.MimeType})

	// Ctrl-C abandons the extraction or save; the relay sees the request go away
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)
	go func() {
		select {
		case <-interrupt:
			screen.Cancel()
			cancel()
		case <-ctx.Done():
		}
	}()

	slog.Info("Extracting...", "model", opts.model)
	if _, err := screen.Submit(ctx, opts.model); err != nil {
		return err
	}

	if opts.store != "" {
		if err := screen.SetStore(opts.store); err != nil {
			return err
		}
	}
	if opts.date != "" {
		if err := screen.SetDate(opts.date); err != nil {
			return err
		}
	}
	screen.SetPayer(opts.payer)

	printReceipt(os.Stdout, screen.Snapshot())

	if !opts.save {
		return nil
	}
	if err := screen.Save(ctx); err != nil {
		return err
	}
	fmt.Println("saved")
	return nil
}

func printReceipt(out io.Writer, snap receipt.Snapshot) {
	r := snap.Receipt
	fmt.Fprintf(out, "Store: %s\nDate:  %s\nPayer: %s\n\n", r.StoreName, r.Date, snap.Payer)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "#\tName\tCategory\tKind\tAmount\t")
	for i, item := range r.Items {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t\n", i+1, item.Name, item.Category, item.Kind, item.Amount.String())
	}
	w.Flush()

	rec := snap.Reconciliation
	status := "match"
	if !rec.Match {
		status = "MISMATCH"
	}
	fmt.Fprintf(out, "\nSum of items:     %s %s\nTotal on receipt: %s %s\n%s\n",
		rec.Computed.String(), r.Currency, rec.Declared.String(), r.Currency, status)
}
