package ai

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/hearthchat/backend/internal/model/chat"
	"github.com/hearthchat/backend/internal/service/backoff"
)

// ErrorMarker prefixes the fragment emitted when the completion fetch fails
// for good, so the conversation record stays complete and inspectable.
const ErrorMarker = "[error]"

// ErrStreamExhausted is returned by Next after the stream has completed.
var ErrStreamExhausted = errors.New("completion stream exhausted")

// ErrorText renders a failed completion as the reply text that gets persisted
// in place of a real one.
func ErrorText(err error) string {
	return fmt.Sprintf("%s completion failed: %v", ErrorMarker, err)
}

// DefaultFragmentDelay paces fragment delivery to simulate progressive
// arrival. It carries no correctness obligation.
const DefaultFragmentDelay = 30 * time.Millisecond

// Pull is the result of one pull on a CompletionStream. While streaming,
// Fragment holds the next piece of the reply; on the final pull Done is true
// and Text carries the full reply instead.
type Pull struct {
	Fragment string
	Text     string
	Done     bool
}

// CompletionStream exposes one model completion as a lazy, finite,
// non-restartable sequence of text fragments. The first pull performs the
// network call; concatenating every fragment in pull order reproduces the
// reply byte for byte.
type CompletionStream struct {
	completer Completer
	policy    backoff.Policy
	history   []chat.Message
	userText  string

	// Delay is applied before each fragment after the first. Zero disables it.
	Delay time.Duration

	fetched   bool
	done      bool
	fragments []string
	reply     string
	idx       int
}

// NewCompletionStream prepares a stream for one exchange. history is the
// caller's view of the conversation before this exchange.
func NewCompletionStream(completer Completer, policy backoff.Policy, history []chat.Message, userText string) *CompletionStream {
	copied := make([]chat.Message, len(history))
	copy(copied, history)
	return &CompletionStream{
		completer: completer,
		policy:    policy,
		history:   copied,
		userText:  userText,
		Delay:     DefaultFragmentDelay,
	}
}

// Next pulls the next fragment. The final pull has Done set and carries the
// full reply text. Pulling an exhausted stream returns ErrStreamExhausted.
func (s *CompletionStream) Next(ctx context.Context) (Pull, error) {
	if s.done {
		return Pull{}, ErrStreamExhausted
	}

	if !s.fetched {
		s.fetch(ctx)
	}

	if s.idx < len(s.fragments) {
		if s.idx > 0 && s.Delay > 0 {
			select {
			case <-time.After(s.Delay):
			case <-ctx.Done():
				// Deliver the fragment anyway; the stream has no
				// cancellation primitive once started.
			}
		}
		fragment := s.fragments[s.idx]
		s.idx++
		return Pull{Fragment: fragment}, nil
	}

	s.done = true
	return Pull{Done: true, Text: s.reply}, nil
}

func (s *CompletionStream) fetch(ctx context.Context) {
	s.fetched = true

	reply, err := backoff.Do(ctx, s.policy, func(ctx context.Context) (string, error) {
		return s.completer.Complete(ctx, s.history, s.userText)
	})
	if err != nil {
		s.reply = ErrorText(err)
		s.fragments = []string{s.reply}
		return
	}

	s.reply = reply
	s.fragments = splitFragments(reply)
}

// splitFragments partitions text into runs of non-whitespace and whitespace,
// each run its own fragment. Fragments are slices of the original string, so
// the concatenation is byte-for-byte lossless even for invalid UTF-8.
func splitFragments(text string) []string {
	if text == "" {
		return nil
	}

	fragments := make([]string, 0, 16)
	first, size := utf8.DecodeRuneInString(text)
	start := 0
	inSpace := unicode.IsSpace(first)
	for i := size; i < len(text); {
		r, n := utf8.DecodeRuneInString(text[i:])
		if unicode.IsSpace(r) != inSpace {
			fragments = append(fragments, text[start:i])
			start = i
			inSpace = !inSpace
		}
		i += n
	}
	return append(fragments, text[start:])
}
