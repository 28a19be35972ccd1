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

// Package llm is the analysis model client: pluggable chat-completion
// providers, strict-then-coerced reply parsing, and a repair pass for
// malformed output. No provider detail leaks past the Provider interface.
package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/kraklabs/ckg/pkg/config"
)

// Provider is the single capability the client needs: one prompt in, one
// string reply out.
type Provider interface {
	Name() string
	Model() string
	Complete(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error)
}

// langchainProvider adapts any langchaingo model to Provider.
type langchainProvider struct {
	name  string
	model string
	llm   llms.Model
}

func (p *langchainProvider) Name() string  { return p.name }
func (p *langchainProvider) Model() string { return p.model }

func (p *langchainProvider) Complete(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
	opts := []llms.CallOption{llms.WithTemperature(temperature)}
	if maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(maxTokens))
	}
	return llms.GenerateFromSinglePrompt(ctx, p.llm, prompt, opts...)
}

// NewOllama connects to a local model server.
func NewOllama(baseURL, model string) (Provider, error) {
	m, err := ollama.New(ollama.WithServerURL(baseURL), ollama.WithModel(model))
	if err != nil {
		return nil, fmt.Errorf("ollama provider: %w", err)
	}
	return &langchainProvider{name: "ollama", model: model, llm: m}, nil
}

// NewOpenAI connects to the OpenAI chat-completion API.
func NewOpenAI(apiKey, model string) (Provider, error) {
	m, err := openai.New(openai.WithToken(apiKey), openai.WithModel(model))
	if err != nil {
		return nil, fmt.Errorf("openai provider: %w", err)
	}
	return &langchainProvider{name: "openai", model: model, llm: m}, nil
}

// NewGoogleAI connects to the Gemini API.
func NewGoogleAI(ctx context.Context, apiKey, model string) (Provider, error) {
	m, err := googleai.New(ctx, googleai.WithAPIKey(apiKey), googleai.WithDefaultModel(model))
	if err != nil {
		return nil, fmt.Errorf("googleai provider: %w", err)
	}
	return &langchainProvider{name: "google", model: model, llm: m}, nil
}

// ProviderConfig is a per-job provider selection; empty fields fall back to
// the process-wide defaults.
type ProviderConfig struct {
	Provider    string
	Model       string
	APIKey      string
	Temperature float64
}

// ForConfig builds the provider a job asked for, falling back to the
// process defaults in cfg. Defaults to the local model when unset.
func ForConfig(ctx context.Context, cfg config.Config, sel ProviderConfig) (Provider, error) {
	switch sel.Provider {
	case "", "ollama", "local":
		model := sel.Model
		if model == "" {
			model = cfg.OllamaModel
		}
		return NewOllama(cfg.OllamaBaseURL, model)
	case "openai":
		key := sel.APIKey
		if key == "" {
			key = cfg.OpenAIAPIKey
		}
		model := sel.Model
		if model == "" {
			model = cfg.OpenAIModel
		}
		return NewOpenAI(key, model)
	case "google", "googleai", "gemini":
		key := sel.APIKey
		if key == "" {
			key = cfg.GoogleAPIKey
		}
		model := sel.Model
		if model == "" {
			model = cfg.GoogleModel
		}
		return NewGoogleAI(ctx, key, model)
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", sel.Provider)
	}
}
