// Package app — сборка движка: конфигурация, подсистемы, жизненный цикл.
// App связывает Discord-шлюз с доменными контурами (журнал задач, поллер,
// steering, сетка давления, черновики, прозрачность) и управляет их
// запуском/остановкой через lifecycle.Manager.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"intentguard/internal/adapters/cli"
	"intentguard/internal/adapters/discord"
	"intentguard/internal/adapters/llm"
	"intentguard/internal/adapters/shell"
	"intentguard/internal/adapters/telegram"
	"intentguard/internal/domain/capture"
	"intentguard/internal/domain/chat"
	"intentguard/internal/domain/clipboard"
	"intentguard/internal/domain/drafts"
	"intentguard/internal/domain/grid"
	"intentguard/internal/domain/handles"
	"intentguard/internal/domain/poller"
	"intentguard/internal/domain/rooms"
	"intentguard/internal/domain/steering"
	"intentguard/internal/domain/tasks"
	"intentguard/internal/domain/transparency"
	"intentguard/internal/infra/config"
	"intentguard/internal/infra/lifecycle"
	"intentguard/internal/infra/logger"

	"github.com/go-faster/errors"
)

// draftCommandPrefix — префикс сообщения в ops-board, порождающего черновик.
const draftCommandPrefix = "draft:"

// App — собранный движок. Создаётся через NewApp, инициализируется Init,
// блокируется в Run до остановки.
type App struct {
	env     config.EnvConfig
	mainCtx context.Context
	stopApp context.CancelFunc
	manager *lifecycle.Manager

	gw          *discord.Gateway
	registry    *rooms.Registry
	journal     *tasks.Journal
	clip        *clipboard.Arbiter
	handleStore *handles.Store
	authority   *handles.Authority
	capture     *capture.Service
	poll        *poller.Poller
	loop        *steering.Loop
	pressure    *grid.Grid
	detector    *grid.Detector
	llm         *llm.Client
	draftQueue  *drafts.Queue
	reporter    *transparency.Reporter
	tg          *telegram.Adapter
	console     *cli.Service
	engine      *Engine

	bindings []capture.Room

	// lastDriftAvg хранит средний дрейф последнего прохода детектора (float64
	// в битах). Из него выводится показатель суверенитета для steering.
	lastDriftAvg atomic.Uint64
}

// NewApp создаёт пустой каркас приложения.
func NewApp() *App {
	return &App{}
}

// Init собирает подсистемы и запускает их через lifecycle. stop — внешняя
// остановка приложения (используется консолью и командой exit).
func (a *App) Init(ctx context.Context, stop context.CancelFunc) error {
	a.env = config.Env()
	a.mainCtx = ctx
	a.stopApp = stop
	a.manager = lifecycle.New(ctx)
	a.setDriftAverage(0.5)

	gw, err := discord.New(a.env.DiscordToken, float64(a.env.DiscordSendRPS))
	if err != nil {
		return err
	}
	a.gw = gw
	gw.OnMessage(a.onMessage)
	gw.OnReaction(a.onReaction)

	if err := gw.Open(); err != nil {
		return err
	}

	bindings, err := capture.LoadRooms(a.env.RoomsFile)
	if err != nil {
		return errors.Wrap(err, "load rooms file")
	}
	a.bindings = bindings
	roomNames := make([]string, 0, len(bindings))
	for _, b := range bindings {
		roomNames = append(roomNames, b.Name)
	}

	a.registry = rooms.New(gw, a.env.DataDir)
	if err := a.registry.Init(ctx, a.env.GuildID, a.env.CategoryName, roomNames); err != nil {
		return errors.Wrap(err, "init room registry")
	}

	a.journal, err = tasks.Open(filepath.Join(a.env.DataDir, "tasks.jsonl"))
	if err != nil {
		return errors.Wrap(err, "open task journal")
	}

	a.clip = clipboard.Global()

	a.handleStore, err = handles.OpenStore(a.env.HandlesFile)
	if err != nil {
		return errors.Wrap(err, "open handles store")
	}
	a.authority, err = handles.New(a.handleStore, a.env.HandlesSeedFile,
		a.env.AdminDiscordID, a.env.AdminDiscordID2)
	if err != nil {
		return errors.Wrap(err, "init handle authority")
	}

	sh := shell.New(time.Duration(a.env.ShellTimeoutMS) * time.Millisecond)
	a.capture = capture.NewService(bindings, sh, a.clip)

	a.pressure, err = grid.Open(filepath.Join(a.env.DataDir, "grid-events.jsonl"))
	if err != nil {
		return errors.Wrap(err, "open grid journal")
	}
	a.detector = grid.NewDetector(a.env.SpecDocPath, a.env.PipelineDocPath, a.env.RepoRoot, sh)

	a.loop = steering.New(gw, a.executePrediction, steering.Config{
		AskPredictTimeout:      time.Duration(a.env.AskPredictTimeoutMS) * time.Millisecond,
		RedirectGrace:          time.Duration(a.env.RedirectGraceMS) * time.Millisecond,
		MaxConcurrent:          a.env.MaxConcurrentPredictions,
		UseSovereigntyTimeouts: a.env.UseSovereigntyTimeouts,
		Sovereignty:            a.sovereignty,
	})

	a.poll = poller.New(a.journal, a.capture, gw, a.registry, poller.Config{
		Interval:      time.Duration(a.env.PollIntervalMS) * time.Millisecond,
		TaskTimeout:   time.Duration(a.env.TaskTimeoutMS) * time.Millisecond,
		Stabilization: time.Duration(a.env.StabilizationMS) * time.Millisecond,
	}, poller.WithOnComplete(a.onTaskComplete))

	a.llm = llm.New(a.env.LLMBaseURL, a.env.LLMModel)
	a.draftQueue = drafts.New(gw, a.llm, a.registry.XPostsChannelID(), a.env.MaxDailyPosts)

	a.reporter = transparency.New(gw, a.registry.TrustDebtChannelID(),
		a.env.SpikeThreshold, time.Duration(a.env.ReportIntervalMS)*time.Millisecond)

	a.engine = &Engine{
		startedAt: time.Now(),
		journal:   a.journal,
		loop:      a.loop,
		pressure:  a.pressure,
		detector:  a.detector,
		registry:  a.registry,
		clip:      a.clip,
		authority: a.authority,
		drafts:    a.draftQueue,
		bindings:  bindings,
	}

	if a.env.TelegramAPIHash != "" && a.env.TelegramAPIID > 0 {
		a.tg = telegram.New(telegram.Config{
			APIID:       a.env.TelegramAPIID,
			APIHash:     a.env.TelegramAPIHash,
			SessionFile: a.env.TelegramSessionFile,
			ChatMapFile: a.env.TelegramChatMapFile,
			RPS:         a.env.TelegramRPS,
		})
	}

	if a.env.CLIEnable {
		a.console = cli.NewService(a.engine, stop)
	}

	return a.registerNodes()
}

// registerNodes описывает подсистемы в lifecycle и запускает их.
func (a *App) registerNodes() error {
	reg := func(name, parent string, deps []string, start lifecycle.StartFunc, stop lifecycle.StopFunc) error {
		return a.manager.Register(name, parent, deps, start, stop)
	}

	if err := reg("discord", "", nil, nil, func(ctx context.Context) error {
		return a.gw.Close()
	}); err != nil {
		return err
	}

	if err := reg("poller", "", []string{"discord"}, func(ctx context.Context) error {
		go a.poll.Run(ctx)
		return nil
	}, nil); err != nil {
		return err
	}

	if err := reg("reporter", "", []string{"discord"}, func(ctx context.Context) error {
		a.reporter.Start(ctx)
		return nil
	}, func(ctx context.Context) error {
		a.reporter.Stop()
		return nil
	}); err != nil {
		return err
	}

	if a.env.DriftIntervalMS > 0 {
		if err := reg("drift", "", []string{"discord"}, func(ctx context.Context) error {
			go a.driftLoop(ctx)
			return nil
		}, nil); err != nil {
			return err
		}
	}

	if a.tg != nil {
		if err := reg("telegram", "", []string{"discord"}, func(ctx context.Context) error {
			if err := a.tg.Initialize(ctx); err != nil {
				// Транспорт опционален: движок живёт без него.
				logger.Warn("telegram adapter unavailable", zap.Error(err))
				return nil
			}
			a.registry.RegisterAdapter(ctx, a.tg)
			return nil
		}, func(ctx context.Context) error {
			a.tg.Shutdown()
			return nil
		}); err != nil {
			return err
		}
	}

	if a.console != nil {
		if err := reg("cli", "", nil, func(ctx context.Context) error {
			a.console.Start(ctx)
			return nil
		}, func(ctx context.Context) error {
			a.console.Stop()
			return nil
		}); err != nil {
			return err
		}
	}

	if err := a.manager.StartAll(); err != nil {
		return errors.Wrap(err, "start lifecycle nodes")
	}
	logger.Info("engine initialized",
		zap.Int("rooms", len(a.bindings)),
		zap.Bool("telegram", a.tg != nil),
		zap.Bool("cli", a.console != nil))
	return nil
}

// Run блокируется до отмены основного контекста, затем гасит подсистемы.
func (a *App) Run() error {
	<-a.mainCtx.Done()

	err := a.manager.Shutdown()
	if closeErr := a.handleStore.Close(); closeErr != nil {
		logger.Warn("handles store close failed", zap.Error(closeErr))
	}
	return err
}

// sovereignty выводит показатель суверенитета s ∈ [0,1] из последнего прохода
// детектора дрейфа: согласованный репозиторий означает высокий суверенитет.
func (a *App) sovereignty() float64 {
	s := 1 - a.driftAverage()
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

func (a *App) setDriftAverage(v float64) {
	a.lastDriftAvg.Store(uint64(v * 1e6))
}

func (a *App) driftAverage() float64 {
	return float64(a.lastDriftAvg.Load()) / 1e6
}

// driftLoop периодически сканирует дрейф, эмитит давление горячих ячеек и
// публикует рекомендацию фокуса на операционной доске.
func (a *App) driftLoop(ctx context.Context) {
	interval := time.Duration(a.env.DriftIntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.driftPass(ctx)
		}
	}
}

// driftPass — один проход детектора дрейфа.
func (a *App) driftPass(ctx context.Context) {
	signal := a.detector.Scan(ctx)
	a.setDriftAverage(signal.Average)

	for _, cellID := range signal.HotCells {
		a.pressure.EmitEvent(grid.Event{
			Type:        grid.EventCellActivate,
			Cell:        cellID,
			Source:      "drift",
			Description: "spec ahead of repo",
			Metadata:    map[string]any{"drift": signal.PerCell[cellID].Drift},
		})
	}

	if opsBoard := a.registry.OpsBoardChannelID(); opsBoard != "" && len(signal.HotCells) > 0 {
		if _, err := a.gw.SendToChannel(ctx, opsBoard, "🧭 "+signal.Focus); err != nil {
			logger.Warn("drift focus post failed", zap.Error(err))
		}
	}
	logger.Info("drift pass finished",
		zap.Float64("average", signal.Average), zap.Int("hot", len(signal.HotCells)))
}

// onMessage — входящее сообщение Discord. Служебные каналы имеют собственные
// протоколы; сообщения в каналах комнат идут в steering.
func (a *App) onMessage(ev chat.MessageEvent) {
	ctx := a.mainCtx
	content := strings.TrimSpace(ev.Content)
	if content == "" {
		return
	}

	switch {
	case a.registry.IsXPostsChannel(ev.ChannelID):
		if ev.ReplyToID != "" {
			a.handleDraftFeedback(ctx, ev, content)
		}
	case a.registry.IsOpsBoardChannel(ev.ChannelID):
		a.handleOpsBoard(ctx, ev, content)
	default:
		if room, ok := a.registry.RoomForChannel(ev.ChannelID); ok {
			a.handleRoomMessage(ctx, ev, room, content)
		}
	}
}

// handleRoomMessage превращает сообщение в комнате в предсказание, редирект
// или отказ, исходя из уровня доверия автора и занятости комнаты.
func (a *App) handleRoomMessage(ctx context.Context, ev chat.MessageEvent, room, content string) {
	tier := a.authority.ResolveTier(ev.Author, ev.AuthorID, room)
	if ev.IsAdmin {
		// Админ-роль Discord равносильна instant-execute во всех комнатах.
		tier = handles.TierAdmin
	}

	if a.loop.HasPendingPrediction(room) {
		source := steering.SourceText
		if tier == handles.TierAdmin {
			source = steering.SourceAdminOverride
		}
		a.loop.Redirect(ctx, room, content, source)
		return
	}

	if t, running := a.journal.RunningForRoom(room); running {
		grace := time.Duration(a.env.RedirectGraceMS) * time.Millisecond
		withinGrace := t.DispatchedAt != nil && time.Since(*t.DispatchedAt) <= grace
		if withinGrace && tier != handles.TierGeneral {
			// Задача отправлена мгновения назад: новое сообщение вытесняет её.
			a.journal.KillRoom(room)
			if _, err := a.gw.SendToChannel(ctx, ev.ChannelID,
				fmt.Sprintf("↪️ Task %s superseded within the grace window", t.ID)); err != nil {
				logger.Warn("grace notice failed", zap.Error(err))
			}
		} else {
			a.reporter.RecordDenial(ctx, transparency.Denial{
				Actor:  ev.Author,
				Room:   room,
				Action: "dispatch",
				Reason: "room busy with task " + t.ID,
			})
			if _, err := a.gw.SendToChannel(ctx, ev.ChannelID,
				fmt.Sprintf("⏳ Room %s is busy with task %s", room, t.ID)); err != nil {
				logger.Warn("busy notice failed", zap.Error(err))
			}
			return
		}
	}

	a.loop.HandleMessage(ctx, tier, room, ev.ChannelID, content, ev.Author, a.categorize(content))
}

// handleOpsBoard обрабатывает команды операционной доски. Сейчас поддержана
// одна: "draft: <topic>" от авторизованного участника ставит черновик в staging.
func (a *App) handleOpsBoard(ctx context.Context, ev chat.MessageEvent, content string) {
	if !strings.HasPrefix(strings.ToLower(content), draftCommandPrefix) {
		return
	}
	if !ev.IsAdmin && !a.authority.IsAuthorizedByEither(ev.Author, ev.AuthorID) {
		a.reporter.RecordDenial(ctx, transparency.Denial{
			Actor:  ev.Author,
			Room:   rooms.ChannelOpsBoard,
			Action: "draft",
			Reason: "not an authorized handle",
		})
		return
	}

	topic := strings.TrimSpace(content[len(draftCommandPrefix):])
	if topic == "" {
		return
	}
	if d := a.draftQueue.CreateDraft(ctx, topic, ev.Author); d != nil {
		logger.Info("draft staged",
			zap.String("draft", d.ID), zap.String("author", ev.Author))
	}
}

// handleDraftFeedback переписывает черновик по ответу на его staging-сообщение.
func (a *App) handleDraftFeedback(ctx context.Context, ev chat.MessageEvent, feedback string) {
	d := a.draftQueue.FindDraftByMessageID(ev.ReplyToID)
	if d == nil {
		return
	}

	prompt := fmt.Sprintf(
		"Rewrite this short social post taking the feedback into account. Keep it under 200 characters, no hashtags.\nPost: %s\nFeedback: %s",
		d.Text, feedback)
	rewritten, err := a.llm.Draft(ctx, prompt)
	if err != nil || strings.TrimSpace(rewritten) == "" {
		logger.Warn("draft rewrite failed", zap.String("draft", d.ID), zap.Error(err))
		return
	}
	a.draftQueue.UpdateDraft(ctx, ev.ReplyToID, rewritten, feedback)
}

// onReaction — входящая реакция Discord: публикация/сброс черновиков в staging
// и благословение предложений в каналах комнат.
func (a *App) onReaction(ev chat.ReactionEvent) {
	ctx := a.mainCtx

	if a.registry.IsXPostsChannel(ev.ChannelID) {
		a.handleDraftReaction(ctx, ev)
		return
	}

	if _, ok := a.registry.RoomForChannel(ev.ChannelID); ok && ev.Emoji == "👍" && ev.IsAdmin {
		if a.loop.AdminBless(ctx, ev.MessageID, ev.Reactor) {
			a.reporter.RecordSpike(ctx, transparency.Spike{
				Category: "approvals",
				Delta:    1.0,
				Reason:   "suggestion blessed by " + ev.Reactor,
			})
		}
	}
}

// handleDraftReaction исполняет протокол staging-канала: 👍 публикует (только
// админ), 🗑 сбрасывает черновик.
func (a *App) handleDraftReaction(ctx context.Context, ev chat.ReactionEvent) {
	d := a.draftQueue.FindDraftByMessageID(ev.MessageID)
	if d == nil {
		return
	}

	switch ev.Emoji {
	case "👍":
		if !ev.IsAdmin {
			a.reporter.RecordDenial(ctx, transparency.Denial{
				Actor:  ev.Reactor,
				Room:   rooms.ChannelXPosts,
				Action: "publish",
				Reason: "publishing requires an admin reaction",
			})
			return
		}
		tweet := drafts.ComposeTweet(d.Text)
		if _, err := a.gw.SendToChannel(ctx, ev.ChannelID, "📤 Published:\n"+tweet); err != nil {
			logger.Warn("draft publish failed", zap.String("draft", d.ID), zap.Error(err))
			return
		}
		a.draftQueue.MarkPosted(d.ID)
	case "🗑":
		a.draftQueue.RemoveDraft(d.ID)
		if err := a.gw.EditMessage(ctx, ev.ChannelID, ev.MessageID,
			"🗑 Draft "+d.ID+" discarded"); err != nil {
			logger.Warn("draft discard edit failed", zap.String("draft", d.ID), zap.Error(err))
		}
	}
}

// executePrediction — ExecuteFunc контура steering: создаёт задачу, снимает
// baseline, печатает запрос в терминал комнаты и отмечает диспетчеризацию.
func (a *App) executePrediction(ctx context.Context, p steering.Prediction) bool {
	if t, running := a.journal.RunningForRoom(p.Room); running {
		a.reporter.RecordDenial(ctx, transparency.Denial{
			Actor:  p.Author,
			Room:   p.Room,
			Action: "execute",
			Reason: "room busy with task " + t.ID,
		})
		return false
	}

	t := a.journal.Create(p.Room, p.ChannelID, p.Prompt)

	base := a.capture.Capture(ctx, p.Room)
	a.journal.SetBaseline(t.ID, base.Content)

	text := withPriorContext(a.registry.GetRoomContext(p.Room), p.Prompt)
	if err := a.capture.SendText(ctx, p.Room, text); err != nil {
		logger.Warn("dispatch to room terminal failed",
			zap.String("room", p.Room), zap.String("task", t.ID), zap.Error(err))
		a.journal.UpdateStatus(t.ID, tasks.StatusFailed, map[string]any{
			"output": "dispatch failed: " + err.Error(),
		})
		return false
	}

	a.journal.SetDispatched(t.ID)
	a.emitPromptPressure(t.ID, p)
	logger.Info("task dispatched",
		zap.String("task", t.ID), zap.String("room", p.Room), zap.String("author", p.Author))
	return true
}

// withPriorContext предваряет запрос скользящим контекстом комнаты: следующая
// задача получает хвост вывода предыдущей как приор.
func withPriorContext(prior, prompt string) string {
	prior = strings.TrimSpace(prior)
	if prior == "" {
		return prompt
	}
	return "Prior context:\n" + prior + "\n\n" + prompt
}

// matchCells сопоставляет текст ячейкам сетки по ключевым словам.
// Пустой результат допустим.
func matchCells(content string) []grid.Cell {
	lowered := strings.ToLower(content)
	var out []grid.Cell
	for _, c := range grid.Cells {
		for _, kw := range c.Keywords {
			if strings.Contains(lowered, kw) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// categorize возвращает ярлыки ячеек, совпавших с текстом запроса.
func (a *App) categorize(content string) []string {
	var labels []string
	for _, c := range matchCells(content) {
		labels = append(labels, c.Label)
	}
	return labels
}

// emitPromptPressure регистрирует указатель новой задачи на каждой ячейке,
// совпавшей с запросом предсказания.
func (a *App) emitPromptPressure(taskID string, p steering.Prediction) {
	desc := p.Prompt
	if len(desc) > 80 {
		desc = desc[:80]
	}
	for _, c := range matchCells(p.Prompt) {
		a.pressure.EmitEvent(grid.Event{
			Type:        grid.EventPointerCreate,
			Cell:        c.ID,
			Task:        taskID,
			Source:      "steering",
			Description: desc,
			Metadata:    map[string]any{"room": p.Room},
		})
	}
}

// onTaskComplete — эмиссия давления по завершении задачи: ячейки по ключевым
// словам запроса, иначе ячейка комнаты. Совпавшая ячейка чужой комнаты
// помечается меткой пересечения.
func (a *App) onTaskComplete(t tasks.Task) {
	matched := matchCells(t.Prompt)
	roomCell, hasRoomCell := grid.CellForRoom(t.Room)
	if len(matched) == 0 {
		if !hasRoomCell {
			return
		}
		matched = []grid.Cell{roomCell}
	}
	for _, c := range matched {
		e := grid.Event{
			Type:        grid.EventPressureUpdate,
			Cell:        c.ID,
			Task:        t.ID,
			Source:      "poller",
			Description: "task complete",
			Metadata:    map[string]any{"room": t.Room},
		}
		if hasRoomCell && roomCell.ID != c.ID {
			e.Intersect = grid.IntersectionTag(c.ID, roomCell.ID)
		}
		a.pressure.EmitEvent(e)
	}
}
