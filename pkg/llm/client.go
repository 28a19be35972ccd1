// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kraklabs/ckg/pkg/prompt"
)

// ParsingErrorUnreachable is the sentinel recorded when every call attempt
// failed; the worker treats it as "no structured findings" and continues.
const ParsingErrorUnreachable = "llm_unreachable"

// Result is the outcome of one analysis invocation. RawContent is always the
// full model reply, even when parsing failed; no output is discarded.
type Result struct {
	RawContent       string
	Parsed           *Report
	ParsingSucceeded bool
	ParsingError     string
	Warnings         []string
	ProviderName     string
	ModelName        string
}

// Client invokes a provider with a rendered template and parses the reply,
// repairing malformed output with a second model call.
type Client struct {
	provider    Provider
	temperature float64
	maxTokens   int
	maxAttempts int
	backoffBase time.Duration
	logger      *slog.Logger
}

// ClientOptions tunes a Client. Zero values select the defaults.
type ClientOptions struct {
	Temperature float64 // default 0.1
	MaxTokens   int
	MaxAttempts int           // default 3
	BackoffBase time.Duration // default 1s
	Logger      *slog.Logger
}

// NewClient wires a Client over a provider.
func NewClient(provider Provider, opts ClientOptions) *Client {
	if opts.Temperature <= 0 {
		opts.Temperature = 0.1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		provider:    provider,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
		maxAttempts: opts.MaxAttempts,
		backoffBase: opts.BackoffBase,
		logger:      opts.Logger,
	}
}

// Invoke renders the template, calls the provider, and parses the reply.
// A transport failure after all retries yields a Result with
// ParsingError=llm_unreachable rather than an error: the analysis continues
// without structured findings.
func (c *Client) Invoke(ctx context.Context, tmpl prompt.Template, vars map[string]any) (*Result, error) {
	rendered, err := prompt.Render(tmpl, vars)
	if err != nil {
		return nil, err
	}

	result := &Result{
		ProviderName: c.provider.Name(),
		ModelName:    c.provider.Model(),
	}

	raw, err := c.completeWithRetry(ctx, rendered)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("llm.call.exhausted", "provider", result.ProviderName, "error", err)
		result.ParsingError = ParsingErrorUnreachable
		return result, nil
	}
	result.RawContent = raw
	c.logger.Debug("llm.call.reply", "provider", result.ProviderName, "bytes", len(raw))

	report, warnings, parseErr := ParseReport(raw)
	if parseErr == nil {
		result.Parsed = report
		result.ParsingSucceeded = true
		result.Warnings = warnings
		return result, nil
	}

	// Repair pass: send the broken reply and the parse error back to the
	// model with the schema, asking for a corrected document.
	c.logger.Info("llm.parse.repair", "provider", result.ProviderName, "error", parseErr)
	repaired, err := c.completeWithRetry(ctx, repairPrompt(raw, parseErr))
	if err == nil {
		if report, warnings, repairErr := ParseReport(repaired); repairErr == nil {
			result.Parsed = report
			result.ParsingSucceeded = true
			result.Warnings = warnings
			return result, nil
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	result.ParsingError = parseErr.Error()
	return result, nil
}

// completeWithRetry calls the provider with bounded exponential backoff.
func (c *Client) completeWithRetry(ctx context.Context, renderedPrompt string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.backoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}
		reply, err := c.provider.Complete(ctx, renderedPrompt, c.temperature, c.maxTokens)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		c.logger.Warn("llm.call.retry", "attempt", attempt+1, "error", err)
	}
	return "", fmt.Errorf("llm call failed after %d attempts: %w", c.maxAttempts, lastErr)
}

func repairPrompt(raw string, parseErr error) string {
	return fmt.Sprintf(`Your previous reply could not be parsed (%v).

Previous reply:
%s

%s

Return the corrected JSON document only.`, parseErr, raw, prompt.FormatInstructions)
}
