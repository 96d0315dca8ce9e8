package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"rsagent/internal/agent"
	"rsagent/internal/domain"
)

// TerminalConfig configures an interactive terminal session.
type TerminalConfig struct {
	Engine    ChatEngine
	Progress  ProgressSource // optional; prints stage lines while a turn runs
	SessionID string         // resume an existing session
	Logger    *slog.Logger
	In        io.Reader
	Out       io.Writer
}

// Terminal is a line-oriented REPL over the engine. Every line is one turn
// in the same session.
type Terminal struct {
	engine    ChatEngine
	progress  ProgressSource
	sessionID string
	logger    *slog.Logger
	in        io.Reader
	out       io.Writer
	outMu     sync.Mutex
}

func NewTerminal(cfg TerminalConfig) *Terminal {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Terminal{
		engine:    cfg.Engine,
		progress:  cfg.Progress,
		sessionID: cfg.SessionID,
		logger:    cfg.Logger,
		in:        cfg.In,
		out:       cfg.Out,
	}
}

// SessionID is the session the terminal is talking in; empty until the
// first turn when no session was given.
func (t *Terminal) SessionID() string { return t.sessionID }

// Run reads lines until EOF, /quit or ctx is cancelled.
func (t *Terminal) Run(ctx context.Context) error {
	t.println("rsagent. Ask a question or describe a simulation. /attach <file> adds a file to the next message, /quit exits.")
	t.prompt()

	var pending *agent.Attachment
	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !scanner.Scan() {
			return scanner.Err() // nil at EOF
		}

		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			t.prompt()
			continue
		case line == "/quit" || line == "/exit" || line == "/q":
			return nil
		case strings.HasPrefix(line, "/attach "):
			att, err := readAttachment(strings.TrimSpace(strings.TrimPrefix(line, "/attach ")))
			if err != nil {
				t.println("cannot attach: " + err.Error())
			} else {
				pending = att
				t.println(fmt.Sprintf("attached %s (%d bytes)", att.Name, len(att.Text)))
			}
			t.prompt()
			continue
		}

		out, err := t.Turn(ctx, line, pending)
		pending = nil
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.println("error: " + err.Error())
		} else {
			t.printReply(out)
		}
		t.prompt()
	}
}

// Turn runs one message, echoing progress stages for this session while it
// runs.
func (t *Terminal) Turn(ctx context.Context, text string, att *agent.Attachment) (agent.TurnOutcome, error) {
	// Without a session ID the engine would mint one we cannot subscribe to
	// in advance, so stages are shown from the second turn on.
	var wg sync.WaitGroup
	if t.progress != nil && t.sessionID != "" {
		events, cancel := t.progress.Subscribe(t.sessionID)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range events {
				if ev.Stage == domain.StageCompleted || ev.Stage == domain.StageError {
					continue
				}
				t.println(fmt.Sprintf("  [%s] %s", ev.Stage, ev.Message))
			}
		}()
		defer func() {
			cancel()
			wg.Wait()
		}()
	}

	out, err := t.engine.Run(ctx, agent.TurnInput{SessionID: t.sessionID, Text: text, Attachment: att})
	if out.SessionID != "" {
		t.sessionID = out.SessionID
	}
	return out, err
}

func (t *Terminal) printReply(out agent.TurnOutcome) {
	var sb strings.Builder
	sb.WriteString("--- rsagent ---\n")
	sb.WriteString(out.Reply.Content)
	sb.WriteString("\n")
	for _, src := range out.Reply.Sources {
		if src.Kind == domain.SourcePassage && src.Passage != nil {
			fmt.Fprintf(&sb, "  source: %s\n", src.Passage.OriginURI)
		}
	}
	sb.WriteString("---------------")
	t.println(sb.String())
}

func (t *Terminal) prompt() {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	fmt.Fprint(t.out, "You> ")
}

func (t *Terminal) println(s string) {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	fmt.Fprintln(t.out, s)
}

func readAttachment(path string) (*agent.Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	name := path
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		name = path[i+1:]
	}
	return &agent.Attachment{Name: name, Text: string(data)}, nil
}
