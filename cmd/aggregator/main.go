// Package main is the log aggregation CLI. It rolls dataselect request logs
// up into monthly statistics and either writes the resulting payload to a
// file or submits it to a statistics webservice.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/eida/eidastats/internal/aggregator"
)

// errSubmit marks failures talking to the webservice so main can exit with a
// distinct code from input errors.
var errSubmit = errors.New("submission failed")

type options struct {
	output    string
	submitURL string
	token     string
	replace   bool
	verbose   bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, errSubmit) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "aggregator [flags] LOGFILE...",
		Short: "Aggregate dataselect request logs into monthly statistics",
		Long: `Aggregate dataselect request logs into monthly statistics.

Each LOGFILE holds one JSON request record per line; files ending in .bz2 are
decompressed on the fly. The aggregated payload is written to --output or
submitted to the webservice named by --submit-url.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, args)
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "write the payload JSON to this file ('-' for stdout)")
	cmd.Flags().StringVar(&opts.submitURL, "submit-url", "", "submit the payload to this webservice URL")
	cmd.Flags().StringVar(&opts.token, "token", "", "bearer token identifying the submitting node")
	cmd.Flags().BoolVar(&opts.replace, "replace", false, "replace existing statistics instead of merging")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	return cmd
}

func run(opts *options, paths []string) error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if !opts.verbose {
		log = log.Level(zerolog.InfoLevel)
	}

	if opts.output == "" && opts.submitURL == "" {
		return errors.New("one of --output or --submit-url is required")
	}
	if opts.submitURL != "" && opts.token == "" {
		return errors.New("--submit-url requires --token")
	}

	agg := aggregator.New(log)
	for _, path := range paths {
		r, closer, err := aggregator.Open(path)
		if err != nil {
			return err
		}
		report, err := agg.Run(r)
		closer.Close()
		if err != nil {
			return fmt.Errorf("aggregating %s: %w", path, err)
		}
		log.Info().Str("file", path).
			Int("lines", report.Lines).
			Int("malformed", report.MalformedLines).
			Int("skipped", report.SkippedRecords).
			Msg("file aggregated")
	}

	payload, err := agg.BuildPayload(time.Now())
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	log.Info().Int("stats", len(payload.Stats)).
		Strs("days", payload.DaysCoverage).
		Msg("payload built")

	if opts.output != "" {
		if err := writePayload(opts.output, body); err != nil {
			return err
		}
	}
	if opts.submitURL != "" {
		if err := submit(opts, body); err != nil {
			return err
		}
		log.Info().Str("url", opts.submitURL).Msg("payload submitted")
	}
	return nil
}

func writePayload(path string, body []byte) error {
	if path == "-" {
		_, err := os.Stdout.Write(append(body, '\n'))
		return err
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("writing payload: %w", err)
	}
	return nil
}

// submit POSTs the payload to the webservice, or PUTs it when --replace is
// set. Anything but a 200 is reported with the server's error message.
func submit(opts *options, body []byte) error {
	method := http.MethodPost
	if opts.replace {
		method = http.MethodPut
	}
	req, err := http.NewRequest(method, opts.submitURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", errSubmit, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authentication", "Bearer "+opts.token)

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errSubmit, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var serverErr struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&serverErr)
		if serverErr.Error != "" {
			return fmt.Errorf("%w: %s (%s)", errSubmit, resp.Status, serverErr.Error)
		}
		return fmt.Errorf("%w: %s", errSubmit, resp.Status)
	}
	return nil
}
