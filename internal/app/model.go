// Package app is the bubbletea front end. Every I/O completion arrives as a
// message and is folded into the session on the Update loop, one at a time.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/AminEdZare/Deep-Fanar/internal/archive"
	"github.com/AminEdZare/Deep-Fanar/internal/backend"
	"github.com/AminEdZare/Deep-Fanar/internal/observability"
	"github.com/AminEdZare/Deep-Fanar/internal/session"
	"github.com/AminEdZare/Deep-Fanar/internal/speech"
	"github.com/AminEdZare/Deep-Fanar/internal/ui"
	"github.com/AminEdZare/Deep-Fanar/internal/voice"
)

// Notices shown on the banner.
const (
	NoSpeechNotice = "No speech detected."
	NoReportNotice = "There is no report to read aloud yet."
)

// Researcher opens a research stream for a query.
type Researcher interface {
	Research(ctx context.Context, query string) (*backend.Stream, error)
}

// Archiver records finished turns.
type Archiver interface {
	SaveTurn(t archive.Turn) (string, error)
}

// Deps are the collaborators the model drives. Speech and Voice are
// required; Archive may be nil.
type Deps struct {
	Research  Researcher
	Speech    *speech.Controller
	Voice     *voice.Pipeline
	Archive   Archiver
	Logger    *slog.Logger
	NoticeTTL time.Duration
	Now       func() time.Time
}

// turnRecord is what the archive needs to know about the turn in flight.
type turnRecord struct {
	turn    session.Turn
	query   string
	started time.Time
}

// Model is the root bubbletea model.
type Model struct {
	ctx      context.Context
	research Researcher
	speech   *speech.Controller
	voice    *voice.Pipeline
	archive  Archiver
	logger   *slog.Logger
	now      func() time.Time

	session *session.Session
	current turnRecord
	stream  *backend.Stream

	input   textinput.Model
	spinner spinner.Model
	report  viewport.Model

	width  int
	height int
}

// New creates a model showing the greeting.
func New(ctx context.Context, deps Deps) Model {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sess := session.New(
		session.WithClock(now),
		session.WithNoticeTTL(deps.NoticeTTL),
		session.WithResources(deps.Speech, deps.Voice),
	)

	ti := textinput.New()
	ti.Placeholder = "Ask a research question..."
	ti.Prompt = "> "
	ti.PromptStyle = ui.PromptStyle
	ti.CharLimit = 2000
	ti.Focus()

	return Model{
		ctx:      ctx,
		research: deps.Research,
		speech:   deps.Speech,
		voice:    deps.Voice,
		archive:  deps.Archive,
		logger:   logger,
		now:      now,
		session:  sess,
		input:    ti,
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(ui.SpinnerStyle)),
		report:   viewport.New(0, 0),
	}
}

// Init starts the cursor blinking.
func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

// researchCmd opens the research stream off the Update loop.
func (m Model) researchCmd(turn session.Turn, query string) tea.Cmd {
	ctx, client := m.ctx, m.research
	return func() tea.Msg {
		stream, err := client.Research(ctx, query)
		if err != nil {
			return ResearchFailedMsg{Turn: turn, Err: err}
		}
		return ResearchStartedMsg{Turn: turn, Stream: stream}
	}
}

// readFrameCmd reads the next frame. The stream is closed once it is done.
func readFrameCmd(turn session.Turn, stream *backend.Stream) tea.Cmd {
	return func() tea.Msg {
		f, err := stream.Next()
		if errors.Is(err, io.EOF) {
			stream.Close()
			return StreamEndedMsg{Turn: turn}
		}
		if err != nil {
			stream.Close()
			return StreamErrorMsg{Turn: turn, Err: err}
		}
		return FrameMsg{Turn: turn, Frame: f, Stream: stream}
	}
}

// synthesizeCmd fetches audio for job, retrying inside the controller.
func (m Model) synthesizeCmd(job speech.Job) tea.Cmd {
	ctx, ctl := m.ctx, m.speech
	return func() tea.Msg {
		audio, err := ctl.Synthesize(ctx, job)
		if err != nil {
			return SpeechFailedMsg{Job: job, Err: err}
		}
		return SpeechReadyMsg{Job: job, Audio: audio}
	}
}

// waitPlaybackCmd blocks until track finishes or is closed.
func waitPlaybackCmd(job speech.Job, track speech.Track) tea.Cmd {
	return func() tea.Msg {
		<-track.Done()
		return PlaybackEndedMsg{Job: job, Err: track.Err()}
	}
}

// transcribeCmd uploads a finished clip.
func (m Model) transcribeCmd(clip voice.Clip) tea.Cmd {
	ctx, pipe := m.ctx, m.voice
	return func() tea.Msg {
		text, err := pipe.Transcribe(ctx, clip)
		return TranscriptionMsg{Clip: clip, Text: text, Err: err}
	}
}

// archiveCmd writes a finished turn.
func archiveCmd(store Archiver, t archive.Turn) tea.Cmd {
	return func() tea.Msg {
		id, err := store.SaveTurn(t)
		return TurnArchivedMsg{ID: id, Err: err}
	}
}

// clearNoticeCmd fires once the notice lifetime has passed.
func (m Model) clearNoticeCmd() tea.Cmd {
	return tea.Tick(m.session.NoticeTTL(), func(t time.Time) tea.Msg {
		return ClearNoticeMsg{At: t}
	})
}

// Update processes messages and returns the updated model and any commands.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = max(10, msg.Width-4)
		m.refreshReport()
		return m, nil

	case spinner.TickMsg:
		if !m.animating() {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case ResearchStartedMsg:
		if !m.session.Accept(msg.Turn) {
			msg.Stream.Close()
			return m, nil
		}
		m.stream = msg.Stream
		return m, readFrameCmd(msg.Turn, msg.Stream)

	case ResearchFailedMsg:
		if !m.session.Fail(msg.Turn, msg.Err) {
			return m, nil
		}
		m.logger.Warn("research request failed", "turn", msg.Turn, "err", msg.Err)
		cmd := m.finishTurn()
		return m, cmd

	case FrameMsg:
		return m.handleFrame(msg)

	case StreamEndedMsg:
		m.dropStream(msg.Turn)
		if !m.session.Fail(msg.Turn, session.ErrStreamEnded) {
			return m, nil
		}
		m.logger.Warn("research stream ended without a terminal frame", "turn", msg.Turn)
		cmd := m.finishTurn()
		return m, cmd

	case StreamErrorMsg:
		m.dropStream(msg.Turn)
		if !m.session.Fail(msg.Turn, msg.Err) {
			return m, nil
		}
		m.logger.Warn("research stream failed", "turn", msg.Turn, "err", msg.Err)
		cmd := m.finishTurn()
		return m, cmd

	case SpeechReadyMsg:
		track, err := m.speech.Start(msg.Job, msg.Audio)
		if errors.Is(err, speech.ErrStale) {
			return m, nil
		}
		if err != nil {
			m.logger.Warn("open audio track", "err", err)
			m.session.SetBanner(speechFailure(err))
			return m, nil
		}
		return m, waitPlaybackCmd(msg.Job, track)

	case SpeechFailedMsg:
		if m.speech.Fail(msg.Job) {
			m.logger.Warn("speech synthesis failed", "attempts", m.speech.Attempts(), "err", msg.Err)
			m.session.SetBanner(speechFailure(msg.Err))
		}
		return m, nil

	case PlaybackEndedMsg:
		if m.speech.Finished(msg.Job) && msg.Err != nil {
			m.logger.Warn("playback failed", "err", msg.Err)
			m.session.SetBanner(fmt.Sprintf("Playback failed: %v", msg.Err))
		}
		return m, nil

	case TranscriptionMsg:
		return m.handleTranscription(msg)

	case ClearNoticeMsg:
		m.session.ExpireBanner(msg.At)
		return m, nil

	case TurnArchivedMsg:
		if msg.Err != nil {
			m.logger.Warn("archive turn", "err", msg.Err)
		} else {
			m.logger.Debug("turn archived", "id", msg.ID)
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// handleFrame applies one frame and asks for the next. Frames that arrive
// after the terminal frame are logged and dropped; frames for a turn that
// has been reset close their stream.
func (m Model) handleFrame(msg FrameMsg) (tea.Model, tea.Cmd) {
	if msg.Turn != m.session.Turn() {
		msg.Stream.Close()
		return m, nil
	}
	if !m.session.Apply(msg.Turn, msg.Frame) {
		m.logger.Info("ignoring frame after terminal frame", "turn", msg.Turn, "type", msg.Frame.Type)
		return m, readFrameCmd(msg.Turn, msg.Stream)
	}
	next := readFrameCmd(msg.Turn, msg.Stream)
	if !msg.Frame.Terminal() {
		return m, next
	}
	done := m.finishTurn()
	return m, tea.Batch(next, done)
}

func (m Model) handleTranscription(msg TranscriptionMsg) (tea.Model, tea.Cmd) {
	if !m.voice.Settle(msg.Clip) {
		return m, nil
	}
	switch {
	case errors.Is(msg.Err, backend.ErrEmptyTranscript):
		m.session.Notify(NoSpeechNotice)
		return m, m.clearNoticeCmd()
	case msg.Err != nil:
		m.logger.Warn("transcription failed", "err", msg.Err)
		m.session.SetBanner(fmt.Sprintf("Transcription failed: %v", msg.Err))
		return m, nil
	}
	m.input.SetValue(msg.Text)
	m.input.CursorEnd()
	m.session.SetQuery(msg.Text)
	return m, nil
}

// handleKey processes key presses.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case KeyCtrlC, KeyEsc:
		m.shutdown()
		return m, tea.Quit

	case KeySubmit:
		return m.submit()

	case KeyToggleReport:
		if m.session.ToggleReport() {
			m.refreshReport()
		}
		return m, nil

	case KeySpeech:
		return m.toggleSpeech()

	case KeyVoice:
		return m.toggleVoice()

	case KeyReset:
		m.reset()
		return m, nil

	case KeyScrollUp, KeyScrollDown, "up", "down":
		var cmd tea.Cmd
		m.report, cmd = m.report.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	m.session.SetQuery(m.input.Value())
	return m, cmd
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	m.session.SetQuery(m.input.Value())
	turn, query, err := m.session.Submit()
	switch {
	case errors.Is(err, session.ErrEmptyQuery):
		return m, m.clearNoticeCmd()
	case err != nil:
		return m, nil
	}

	m.input.Reset()
	m.current = turnRecord{turn: turn, query: query, started: m.now()}
	m.refreshReport()
	observability.WithTurn(m.logger, int(turn)).Info("research turn started", "chars", len(query))
	return m, tea.Batch(m.researchCmd(turn, query), m.spinner.Tick)
}

func (m Model) toggleSpeech() (tea.Model, tea.Cmd) {
	job, start, err := m.speech.TogglePause()
	if errors.Is(err, speech.ErrEmptyInput) {
		m.session.Notify(NoReportNotice)
		return m, m.clearNoticeCmd()
	}
	if err != nil || !start {
		return m, nil
	}

	cmds := []tea.Cmd{m.synthesizeCmd(job), m.spinner.Tick}
	if job.Truncated {
		m.session.Notify(m.speech.TruncationNotice())
		cmds = append(cmds, m.clearNoticeCmd())
	}
	return m, tea.Batch(cmds...)
}

func (m Model) toggleVoice() (tea.Model, tea.Cmd) {
	outcome, clip, err := m.voice.Toggle()
	if err != nil {
		m.logger.Warn("voice capture", "err", err)
		m.session.SetBanner(voiceFailure(err))
		return m, nil
	}
	switch outcome {
	case voice.Empty:
		m.session.Notify(NoSpeechNotice)
		return m, m.clearNoticeCmd()
	case voice.Uploading:
		return m, tea.Batch(m.transcribeCmd(clip), m.spinner.Tick)
	}
	return m, nil
}

// finishTurn runs once per turn, right after it reached a terminal phase.
func (m *Model) finishTurn() tea.Cmd {
	rec := archive.Turn{
		Query:      m.current.query,
		StartedAt:  m.current.started,
		FinishedAt: m.now(),
	}
	switch m.session.Phase() {
	case session.PhaseCompleted:
		report, _ := m.session.Report()
		m.speech.SetText(report.Body)
		m.refreshReport()
		rec.Outcome = archive.OutcomeCompleted
		rec.Report = report.Body
		rec.Sources = report.Sources
	case session.PhaseFailed:
		rec.Outcome = archive.OutcomeFailed
		if b, ok := m.session.Banner(); ok {
			rec.Error = b.Message
		}
	default:
		return nil
	}

	observability.WithTurn(m.logger, int(m.current.turn)).Info("research turn finished",
		"outcome", rec.Outcome, "elapsed", rec.FinishedAt.Sub(rec.StartedAt))
	if m.archive == nil {
		return nil
	}
	return archiveCmd(m.archive, rec)
}

func (m *Model) dropStream(turn session.Turn) {
	if turn == m.session.Turn() {
		m.stream = nil
	}
}

func (m *Model) closeStream() {
	if m.stream != nil {
		m.stream.Close()
		m.stream = nil
	}
}

// reset clears the conversation. The session releases speech and capture.
func (m *Model) reset() {
	m.session.Reset()
	m.closeStream()
	m.current = turnRecord{}
	m.input.Reset()
	m.speech.SetText("")
	m.refreshReport()
	m.logger.Info("session reset")
}

func (m *Model) shutdown() {
	m.closeStream()
	m.speech.Release()
	m.voice.Release()
}

func (m Model) animating() bool {
	return m.session.Busy() ||
		m.speech.State() == speech.StateLoading ||
		m.voice.State() == voice.StateTranscribing
}

func speechFailure(err error) string {
	switch {
	case errors.Is(err, backend.ErrSynthesisUnavailable):
		return "Speech service is unavailable. Please try again later."
	case errors.Is(err, backend.ErrSynthesisTimeout):
		return "Speech synthesis timed out."
	default:
		return fmt.Sprintf("Speech failed: %v", err)
	}
}

func voiceFailure(err error) string {
	switch {
	case errors.Is(err, voice.ErrPermissionDenied):
		return "Microphone access was denied."
	case errors.Is(err, voice.ErrUnsupported):
		return "Voice input is not supported here."
	default:
		return fmt.Sprintf("Could not start recording: %v", err)
	}
}

// Layout

const fixedRows = 7 // header, divider, progress, divider, banner, input, footer

func (m Model) bodyRows() int {
	if m.height == 0 {
		return 20
	}
	return max(3, m.height-fixedRows)
}

// paneRows splits the body between the log and the report pane.
func (m Model) paneRows() (logRows, reportRows int) {
	body := m.bodyRows()
	r, ok := m.session.Report()
	if !ok || !r.Visible {
		return body, 0
	}
	logRows = max(3, body/3)
	return logRows, max(1, body-logRows-1)
}

func (m *Model) refreshReport() {
	_, rows := m.paneRows()
	width := max(20, m.width-2)
	m.report.Width = width
	m.report.Height = rows

	r, ok := m.session.Report()
	if !ok {
		m.report.SetContent("")
		return
	}
	m.report.SetContent(renderReport(r, width))
	m.report.GotoTop()
}

func renderReport(r session.Report, width int) string {
	var b strings.Builder
	b.WriteString(lipgloss.NewStyle().Width(width).Render(r.Body))
	if len(r.Sources) > 0 {
		b.WriteString("\n\n" + ui.PanelTitleStyle.Render("Sources"))
		for i, src := range r.Sources {
			b.WriteString("\n" + ui.SourceStyle.Render(fmt.Sprintf("%d. %s", i+1, src)))
		}
	}
	return b.String()
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	divider := ui.DividerStyle.Render(strings.Repeat("─", m.width))
	logRows, reportRows := m.paneRows()

	sections := []string{
		m.renderHeader(),
		divider,
		m.renderLog(logRows),
	}
	if reportRows > 0 {
		sections = append(sections,
			ui.PanelTitleStyle.Render("REPORT")+ui.DimStyle.Render("  pgup/pgdn scroll"),
			m.report.View(),
		)
	}
	sections = append(sections,
		m.renderProgress(),
		divider,
		m.renderBanner(),
		m.input.View(),
		m.renderFooter(),
	)
	return strings.Join(sections, "\n")
}

func (m Model) renderHeader() string {
	title := ui.TitleStyle.Render("DEEP FANAR")

	var badges []string
	switch m.speech.State() {
	case speech.StateLoading:
		badges = append(badges, m.spinner.View()+ui.StatusStyle.Render(" preparing audio"))
	case speech.StatePlaying:
		badges = append(badges, ui.PlayingBadgeStyle.Render("▶ READING"))
	case speech.StatePaused:
		badges = append(badges, ui.PausedBadgeStyle.Render("❚❚ PAUSED"))
	}
	switch m.voice.State() {
	case voice.StateRecording:
		badges = append(badges, ui.RecordingDotStyle.Render("● REC"))
	case voice.StateTranscribing:
		badges = append(badges, m.spinner.View()+ui.StatusStyle.Render(" transcribing"))
	}

	if len(badges) == 0 {
		return title
	}
	return title + "  " + strings.Join(badges, "  ")
}

func (m Model) renderLog(rows int) string {
	textWidth := max(10, m.width-20)
	indent := strings.Repeat(" ", 19)

	var lines []string
	for _, e := range m.session.Log() {
		ts := ui.TimestampStyle.Render(e.CreatedAt.Format("[15:04:05]"))
		var label, text string
		switch e.Kind {
		case session.EntryUser:
			label = ui.UserLabelStyle.Render("You    ")
			text = e.Text
		case session.EntryAssistant:
			label = ui.AssistantLabelStyle.Render("Fanar  ")
			text = e.Text
		case session.EntryReportLink:
			label = ui.AssistantLabelStyle.Render("Fanar  ")
			lines = append(lines, ts+" "+label+" "+ui.ReportLinkStyle.Render(e.Text)+ui.DimStyle.Render(" (ctrl+r)"))
			continue
		case session.EntryError:
			label = ui.ErrorStyle.Render("Error  ")
			text = e.Text
		}
		wrapped := wrapText(text, textWidth)
		if e.Kind == session.EntryError {
			for i := range wrapped {
				wrapped[i] = ui.ErrorEntryStyle.Render(wrapped[i])
			}
		}
		lines = append(lines, ts+" "+label+" "+wrapped[0])
		for _, wl := range wrapped[1:] {
			lines = append(lines, indent+wl)
		}
	}

	if len(lines) == 0 {
		lines = append(lines, ui.DimStyle.Render("  Type a question and press Enter"))
	}
	if len(lines) > rows {
		lines = lines[len(lines)-rows:]
	}
	for len(lines) < rows {
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderProgress() string {
	note, ok := m.session.Progress()
	if !ok {
		return ""
	}
	return m.spinner.View() + " " + ui.ProgressStyle.Render(note.String())
}

func (m Model) renderBanner() string {
	n, ok := m.session.Banner()
	if !ok {
		return ""
	}
	if n.ExpiresAt.IsZero() {
		return ui.ErrorStyle.Render("Error: ") + ui.ErrorTextStyle.Render(n.Message)
	}
	return ui.NoticeStyle.Render(n.Message)
}

func (m Model) renderFooter() string {
	parts := []string{
		ui.FooterKeyStyle.Render("Enter") + ui.FooterDescStyle.Render(" Ask"),
	}
	if _, ok := m.session.Report(); ok {
		parts = append(parts, ui.FooterKeyStyle.Render("^R")+ui.FooterDescStyle.Render(" Report"))
	}

	speechDesc := " Read aloud"
	switch m.speech.State() {
	case speech.StatePlaying:
		speechDesc = " Pause"
	case speech.StatePaused:
		speechDesc = " Resume"
	}
	parts = append(parts, ui.FooterKeyStyle.Render("^S")+ui.FooterDescStyle.Render(speechDesc))

	voiceDesc := " Dictate"
	if m.voice.State() == voice.StateRecording {
		voiceDesc = " Stop"
	}
	parts = append(parts,
		ui.FooterKeyStyle.Render("^V")+ui.FooterDescStyle.Render(voiceDesc),
		ui.FooterKeyStyle.Render("^L")+ui.FooterDescStyle.Render(" Reset"),
		ui.FooterKeyStyle.Render("Esc")+ui.FooterDescStyle.Render(" Quit"),
	)
	return strings.Join(parts, "  ")
}

// Helpers

func wrapText(text string, width int) []string {
	if width <= 0 {
		return []string{text}
	}

	var lines []string
	for _, paragraph := range strings.Split(text, "\n") {
		var current string
		for _, word := range strings.Fields(paragraph) {
			if current == "" {
				current = word
			} else if lipgloss.Width(current)+1+lipgloss.Width(word) <= width {
				current += " " + word
			} else {
				lines = append(lines, current)
				current = word
			}
		}
		lines = append(lines, current)
	}
	if len(lines) == 0 {
		return []string{""}
	}
	return lines
}
