// Command rulesengine is the rule-based moderation tier. The gateway runs it
// as a child process and exchanges one JSON object per line: RuleRequest on
// stdin, RuleResponse on stdout. Logs go to stderr.
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/hearth/gateway/internal/logging"
	"github.com/hearth/gateway/internal/moderation"
)

// maxLine caps a single request line.
const maxLine = 1 << 20

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "rulesengine: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var (
		strict   bool
		noSpam   bool
		logLevel string
	)
	flagSet := pflag.NewFlagSet("rulesengine", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.BoolVar(&strict, "strict", false, "ignore safe-context markers")
	flagSet.BoolVar(&noSpam, "no-spam", false, "disable URL, phone and flood detection")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	var opts []moderation.FilterOption
	if strict {
		opts = append(opts, moderation.WithSafeMarkers(nil))
	}
	if noSpam {
		opts = append(opts, moderation.WithoutSpamChecks())
	}

	logger := logging.NewWithWriter(stderr, logLevel, logging.FormatJSON).With().
		Str("component", "rulesengine").Logger()
	return serve(stdin, stdout, moderation.NewFilter(opts...), logger)
}

// serve answers requests until stdin is closed. Malformed lines that carry an
// id are answered with an error so the caller does not wait for a timeout.
func serve(r io.Reader, w io.Writer, filter *moderation.Filter, logger zerolog.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLine)
	out := bufio.NewWriter(w)
	enc := json.NewEncoder(out)

	logger.Info().Msg("ready")
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req moderation.RuleRequest
		err := json.Unmarshal(line, &req)
		if req.ID == "" {
			logger.Warn().Err(err).Msg("dropping request without id")
			continue
		}

		var resp moderation.RuleResponse
		if err != nil {
			logger.Warn().Err(err).Str("id", req.ID).Msg("malformed request")
			resp = moderation.RuleResponse{ID: req.ID, Error: err.Error()}
		} else {
			resp = evaluate(filter, req)
		}
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		if err := out.Flush(); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	logger.Info().Msg("stdin closed, exiting")
	return nil
}

func evaluate(filter *moderation.Filter, req moderation.RuleRequest) moderation.RuleResponse {
	f := filter.Evaluate(req.Content)
	return moderation.RuleResponse{
		ID:       req.ID,
		Severity: string(f.Severity),
		Reason:   f.Reason,
		Action:   string(f.Action),
		Score:    f.Score,
		Flags:    f.Flags,
	}
}
