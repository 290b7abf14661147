package client

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
)

// FeedbackKind classifies a message shown to the operator.
type FeedbackKind int

const (
	FeedbackInfo FeedbackKind = iota
	FeedbackOK
	FeedbackDuplicate
	FeedbackError
	FeedbackAlert
)

// Feedback is one line of operator feedback.
type Feedback struct {
	Kind    FeedbackKind
	Message string
}

// Notifier renders feedback on the device.
type Notifier interface {
	Notify(f Feedback)
}

// ColorNotifier writes colored lines to w.
type ColorNotifier struct {
	mu     sync.Mutex
	w      io.Writer
	styles map[FeedbackKind]*color.Color
}

// NewColorNotifier creates a terminal notifier.
func NewColorNotifier(w io.Writer) *ColorNotifier {
	return &ColorNotifier{
		w: w,
		styles: map[FeedbackKind]*color.Color{
			FeedbackInfo:      color.New(color.FgCyan),
			FeedbackOK:        color.New(color.FgGreen, color.Bold),
			FeedbackDuplicate: color.New(color.FgYellow),
			FeedbackError:     color.New(color.FgRed),
			FeedbackAlert:     color.New(color.FgWhite, color.BgRed, color.Bold),
		},
	}
}

func (n *ColorNotifier) Notify(f Feedback) {
	n.mu.Lock()
	defer n.mu.Unlock()
	style, ok := n.styles[f.Kind]
	if !ok {
		fmt.Fprintln(n.w, f.Message)
		return
	}
	style.Fprintln(n.w, f.Message)
}

// RecordingNotifier keeps feedback in memory.
type RecordingNotifier struct {
	mu    sync.Mutex
	items []Feedback
}

func (r *RecordingNotifier) Notify(f Feedback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, f)
}

// Items returns a copy of everything recorded.
func (r *RecordingNotifier) Items() []Feedback {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Feedback(nil), r.items...)
}
