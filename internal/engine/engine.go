package engine

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/lmarchetti/parley/internal/chat"
	"github.com/lmarchetti/parley/internal/llm"
	"github.com/lmarchetti/parley/internal/observability"
	"github.com/lmarchetti/parley/internal/prompt"
)

var (
	// ErrUnknownInstruction marks a request naming an instruction set that
	// does not exist. Rejected before any conversation state is touched.
	ErrUnknownInstruction = errors.New("unknown instruction set")
	// ErrHistoryDisabled marks a memory injection into an instruction set
	// that does not keep history.
	ErrHistoryDisabled = errors.New("instruction set has history disabled")
)

// Config carries the completion sampling settings and the history window.
type Config struct {
	StopMarker        string
	MaxNewTokens      int
	Temperature       float64
	RepeatPenalty     float64
	CompletionTimeout time.Duration
	HistoryMaxEntries int
}

// Engine routes chat messages through prompt assembly, the completion
// backend, and the chat history lifecycle.
type Engine struct {
	store        *chat.Manager
	scheduler    *chat.Scheduler
	completer    llm.Adapter
	instructions *prompt.Registry
	metrics      *observability.Metrics
	cfg          Config
}

func New(store *chat.Manager, scheduler *chat.Scheduler, completer llm.Adapter, instructions *prompt.Registry, metrics *observability.Metrics, cfg Config) *Engine {
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = 120 * time.Second
	}
	return &Engine{
		store:        store,
		scheduler:    scheduler,
		completer:    completer,
		instructions: instructions,
		metrics:      metrics,
		cfg:          cfg,
	}
}

// Bootstrap initializes the conversation for every history-managed
// instruction set with the configured capacity, then restores its durable
// record. The configured capacity wins over whatever the record stored.
func (e *Engine) Bootstrap(ctx context.Context) {
	for _, name := range e.instructions.HistoryManaged() {
		e.store.Initialize(name, e.cfg.HistoryMaxEntries)
		e.store.Load(ctx, name)
	}
	e.observeConversations()
}

// Instructions exposes the registry for request validation and docs.
func (e *Engine) Instructions() *prompt.Registry {
	return e.instructions
}

// MessageRequest is one inbound chat exchange.
type MessageRequest struct {
	Text           string
	Speaker        string
	Instruction    string
	DisableHistory bool
}

// Message runs one full chat exchange and returns the assistant's reply. A
// failed completion yields an empty reply, never an error: the backend being
// down is not the caller's fault.
func (e *Engine) Message(ctx context.Context, req MessageRequest) (string, error) {
	ins, ok := e.instructions.Get(req.Instruction)
	if !ok {
		return "", ErrUnknownInstruction
	}

	text := req.Text
	if ins.InstructTags == "llama2" {
		text = prompt.StripLlama2Tags(text, e.cfg.StopMarker)
	}

	promptText := e.assemble(ins, req, text)

	answer, err := e.complete(ctx, promptText, nil)
	if err != nil {
		log.Printf("chat %q: completion failed: %v", ins.Name, err)
		return "", nil
	}

	if ins.InstructTags == "llama2" {
		answer = prompt.StripLlama2Tags(answer, e.cfg.StopMarker)
	}
	answer = prompt.CleanResult(ins, answer)

	e.recordExchange(ctx, ins, req, text, answer)
	return answer, nil
}

// MessageStream runs one chat exchange, forwarding completion fragments to
// onDelta as they arrive. Streamed output gets no reply cleanup; fragments
// have already left the process by the time the full answer is known.
func (e *Engine) MessageStream(ctx context.Context, req MessageRequest, onDelta llm.DeltaHandler) error {
	ins, ok := e.instructions.Get(req.Instruction)
	if !ok {
		return ErrUnknownInstruction
	}

	text := req.Text
	if ins.InstructTags == "llama2" {
		text = prompt.StripLlama2Tags(text, e.cfg.StopMarker)
	}

	promptText := e.assemble(ins, req, text)

	answer, err := e.complete(ctx, promptText, onDelta)
	if err != nil {
		log.Printf("chat %q: streaming completion failed: %v", ins.Name, err)
		return err
	}

	e.recordExchange(ctx, ins, req, text, answer)
	return nil
}

// InjectRequest adds a transcript entry without invoking completion.
type InjectRequest struct {
	Text        string
	Speaker     string
	Instruction string
}

// InjectMemory appends a turn directly to a conversation's transcript. The
// speaker "AI" (any case) resolves to the instruction's assistant name, and
// "{AI}" inside the text is substituted the same way.
func (e *Engine) InjectMemory(ctx context.Context, req InjectRequest) error {
	ins, ok := e.instructions.Get(req.Instruction)
	if !ok {
		return ErrUnknownInstruction
	}
	if !ins.SaveHistory {
		return ErrHistoryDisabled
	}

	speaker := req.Speaker
	if strings.EqualFold(speaker, "AI") {
		speaker = ins.AIName
	}
	text := strings.ReplaceAll(req.Text, "{AI}", ins.AIName)

	entry := flatten(text)
	if ins.StripEmotions {
		entry = prompt.RemoveEmotions(entry)
	}

	e.store.Append(ins.Name, speaker, entry)
	e.countTurns(ins.Name, 1)
	if e.store.IsFull(ins.Name) {
		e.scheduler.Trigger(ins.Name)
	}
	e.store.Save(ctx, ins.Name)
	e.observeConversations()
	return nil
}

func (e *Engine) assemble(ins prompt.Instruction, req MessageRequest, text string) string {
	summary := ""
	history := ""
	if e.useHistory(ins, req) {
		summary = e.store.Summary(ins.Name)
		history = e.store.Transcript(ins.Name, ins.AIName, e.cfg.StopMarker)
	}
	return prompt.Assemble(ins, prompt.AssembleInput{
		Summary: summary,
		History: history,
		Text:    text,
		Speaker: req.Speaker,
		Now:     time.Now(),
	})
}

func (e *Engine) complete(ctx context.Context, promptText string, onDelta llm.DeltaHandler) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CompletionTimeout)
	defer cancel()

	start := time.Now()
	res, err := e.completer.StreamCompletion(ctx, llm.CompletionRequest{
		Prompt:        promptText,
		Stop:          []string{e.cfg.StopMarker},
		MaxTokens:     e.cfg.MaxNewTokens,
		Temperature:   e.cfg.Temperature,
		RepeatPenalty: e.cfg.RepeatPenalty,
	}, onDelta)
	if e.metrics != nil {
		e.metrics.ObserveCompletionLatency(time.Since(start))
	}
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// recordExchange appends the user and assistant turns, fires the fullness
// trigger, and persists. The summarization job runs off the request path;
// this returns as soon as the job is scheduled.
func (e *Engine) recordExchange(ctx context.Context, ins prompt.Instruction, req MessageRequest, text, answer string) {
	if !e.useHistory(ins, req) {
		return
	}

	historyAnswer := flatten(answer)
	if ins.StripEmotions {
		historyAnswer = prompt.RemoveEmotions(historyAnswer)
	}

	e.store.Append(ins.Name, req.Speaker, flatten(text))
	e.store.Append(ins.Name, ins.AIName, historyAnswer)
	e.countTurns(ins.Name, 2)

	if ins.SummarizeOnFull && e.store.IsFull(ins.Name) {
		e.scheduler.Trigger(ins.Name)
	}

	e.store.Save(ctx, ins.Name)
	e.observeConversations()
}

func (e *Engine) useHistory(ins prompt.Instruction, req MessageRequest) bool {
	return !req.DisableHistory && ins.SaveHistory
}

func (e *Engine) countTurns(instruction string, n int) {
	if e.metrics != nil {
		e.metrics.TurnsAppended.WithLabelValues(instruction).Add(float64(n))
	}
}

func (e *Engine) observeConversations() {
	if e.metrics != nil {
		e.metrics.Conversations.Set(float64(e.store.Count()))
	}
}

func flatten(text string) string {
	return strings.ReplaceAll(text, "\n", " ")
}
