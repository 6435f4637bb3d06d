package query

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

const promptTemplate = "Answer based on {topic} from {file} file. if you couldnt find the answer, please say so."

// SnapshotSource supplies the serialized patient collection.
type SnapshotSource interface {
	Snapshot(ctx context.Context) ([]byte, error)
}

var errNoCompleter = errors.New("no completion backend configured")

// Forwarder fills the prompt template and hands it to a Completer.
type Forwarder struct {
	completer Completer
	source    SnapshotSource
	logger    *slog.Logger
}

// NewForwarder wires a completer and the snapshot source used when a request
// carries no file content. Either may be nil; Invoke then reports an error string.
func NewForwarder(completer Completer, source SnapshotSource, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Forwarder{completer: completer, source: source, logger: logger}
}

// BuildPrompt substitutes topic and file into the fixed template.
func BuildPrompt(topic, file string) string {
	return strings.NewReplacer("{topic}", topic, "{file}", file).Replace(promptTemplate)
}

// Invoke returns the model's answer. Failures are reported in-band as
// "Error: <message>"; Invoke never fails.
func (f *Forwarder) Invoke(ctx context.Context, topic, file string) string {
	out, err := f.invoke(ctx, topic, file)
	if err != nil {
		f.logger.Warn("query forwarding failed", "topic", topic, "error", err)
		return "Error: " + err.Error()
	}
	return out
}

func (f *Forwarder) invoke(ctx context.Context, topic, file string) (string, error) {
	if f.completer == nil {
		return "", errNoCompleter
	}
	if file == "" {
		if f.source == nil {
			return "", errors.New("no snapshot source configured")
		}
		data, err := f.source.Snapshot(ctx)
		if err != nil {
			return "", err
		}
		file = string(data)
	}
	return f.completer.Complete(ctx, BuildPrompt(topic, file))
}
