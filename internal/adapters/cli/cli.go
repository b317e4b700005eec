// Package cli — интерактивная командная консоль управления движком.
// Сервис стартует фоном, читает команды из readline и транслирует их в
// commands.Executor; сам он не знает о внутренностях подсистем. Start/Stop
// идемпотентны и корректно встраиваются в lifecycle.
package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"intentguard/internal/domain/commands"
	"intentguard/internal/infra/logger"
	"intentguard/internal/infra/pr"
	versioninfo "intentguard/internal/support/version"
)

// commandDescriptor описывает одну CLI-команду: имя и краткое описание для help.
type commandDescriptor struct {
	name        string
	description string
}

// commandDescriptors — реестр доступных команд. Рендерится в help и подсказки.
// Важно: имена должны совпадать с кейсами в handleCommand().
var commandDescriptors = []commandDescriptor{
	{name: "help", description: "Show available commands with short descriptions"},
	{name: "status", description: "Show engine status (tasks, predictions, drafts)"},
	{name: "tasks", description: "Print recent tasks: tasks [n]"},
	{name: "kill", description: "Kill the active task of a room: kill <room>"},
	{name: "grid", description: "Recompute and render the pressure grid"},
	{name: "drift", description: "Run a drift detector pass and print the focus"},
	{name: "rooms", description: "List rooms and their channel bindings"},
	{name: "clip", description: "Show clipboard arbiter state"},
	{name: "handles", description: "List authorized handles"},
	{name: "adapters", description: "Show external adapter statuses"},
	{name: "stop", description: "Emergency stop: abort all pending predictions"},
	{name: "loglevel", description: "Change console log level: loglevel <debug|info|warn|error>"},
	{name: "version", description: "Print engine version"},
	{name: "exit", description: "Stop CLI and terminate the service"},
}

// Service инкапсулирует CLI и интегрируется в lifecycle приложения.
// Имеет собственный cancel, запускает цикл чтения команд в отдельной горутине
// и синхронно закрывается через Stop().
type Service struct {
	exec      commands.Executor  // исполнитель команд движка
	stopApp   context.CancelFunc // внешняя отмена приложения (exit, Ctrl-C на пустой строке)
	cancel    context.CancelFunc // локальная отмена run-цикла CLI
	wg        sync.WaitGroup
	onceStart sync.Once
	onceStop  sync.Once
}

// NewService создаёт CLI-сервис. stopApp используется как глобальная остановка
// приложения по команде exit и Ctrl-C на пустой строке.
func NewService(exec commands.Executor, stopApp context.CancelFunc) *Service {
	return &Service{exec: exec, stopApp: stopApp}
}

// Start запускает основной цикл CLI в отдельной горутине. Повторные вызовы
// безопасно игнорируются.
func (s *Service) Start(ctx context.Context) {
	s.onceStart.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(runCtx)
		}()
	})
}

// Stop завершает CLI: прерывает readline, отменяет локальный контекст и
// дожидается завершения run-цикла.
func (s *Service) Stop() {
	s.onceStop.Do(func() {
		if rl := pr.Rl(); rl != nil {
			pr.InterruptReadline()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// run — основной цикл обработчика CLI: подсказка, обработчики клавиш и
// построчное чтение команд.
func (s *Service) run(ctx context.Context) {
	logger.Debug("CLI run started")
	pr.SetPrompt("> ")
	pr.Println("CLI started. Enter commands:", joinCommandNames(commandDescriptors))
	pr.Println("Press '?' or type 'help' for detailed descriptions.")
	installKeyHandlers(s.stopApp)

	defer func() {
		if rl := pr.Rl(); rl != nil {
			_ = rl.Close()
		}
	}()

	for {
		if ctx.Err() != nil {
			logger.Debug("CLI: context canceled")
			return
		}

		line, err := pr.Rl().Readline()
		if err != nil {
			logger.Debug("CLI: deactivated (io.EOF)")
			return
		}

		cmd := strings.TrimSpace(line)
		if s.handleCommand(ctx, cmd) {
			logger.Debugf("CLI: command %q requested exit", cmd)
			return
		}
	}
}

// installKeyHandlers подключает обработчики специальных клавиш для readline:
//   - '?' — печать help без отправки символа в текущую строку;
//   - Ctrl-C на пустой строке — мягкая остановка приложения и прерывание readline;
//   - Ctrl-C на непустой строке — очистка текущей строки.
func installKeyHandlers(stop context.CancelFunc) {
	rl := pr.Rl()
	if rl == nil || rl.Config == nil {
		return
	}

	prev := rl.Config.Listener
	rl.Config.SetListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
		if key == '?' {
			printCommandHelp()
			if pos > 0 && pos <= len(line) {
				trimmed := append([]rune{}, line[:pos-1]...)
				trimmed = append(trimmed, line[pos:]...)
				return trimmed, pos - 1, true
			}
			return line, pos, true
		}
		if key == 3 { //nolint: mnd // Ctrl-C (ETX, rune value 3)
			trimmed := strings.TrimSpace(string(line))
			if trimmed == "" {
				if stop != nil {
					stop()
				}
				pr.InterruptReadline()
				return line, pos, true
			}
			return []rune{}, 0, true
		}
		if prev != nil {
			return prev.OnChange(line, pos, key)
		}
		return nil, 0, false
	})
}

// printCommandHelp печатает список поддерживаемых команд и их описания.
func printCommandHelp() {
	for _, text := range buildCommandHelpLines(commandDescriptors) {
		pr.Println(text)
	}
}

// handleCommand разбирает введённую команду и выполняет соответствующее действие.
// Возвращает true, если команда инициирует завершение CLI ("exit").
func (s *Service) handleCommand(ctx context.Context, cmd string) bool {
	name, arg, _ := strings.Cut(cmd, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "help":
		printCommandHelp()
	case "status":
		s.handleStatus(ctx)
	case "tasks":
		s.handleTasks(ctx, arg)
	case "kill":
		s.handleKill(ctx, arg)
	case "grid":
		if rendered, err := s.exec.Grid(ctx); err != nil {
			pr.ErrPrintln("grid error:", err)
		} else {
			pr.Println(rendered)
		}
	case "drift":
		if focus, err := s.exec.Drift(ctx); err != nil {
			pr.ErrPrintln("drift error:", err)
		} else {
			pr.Println(focus)
		}
	case "rooms":
		s.handleRooms(ctx)
	case "clip":
		s.handleClip(ctx)
	case "handles":
		s.handleHandles(ctx)
	case "adapters":
		s.handleAdapters(ctx)
	case "stop":
		if n, err := s.exec.Stop(ctx); err != nil {
			pr.ErrPrintln("stop error:", err)
		} else {
			pr.Printf("Emergency stop: %d prediction(s) aborted\n", n)
		}
	case "loglevel":
		switch arg {
		case "debug", "info", "warn", "error":
			logger.SetLevel(arg)
			pr.Println("log level set to", arg)
		default:
			pr.ErrPrintln("usage: loglevel <debug|info|warn|error>")
		}
	case "version":
		pr.ErrPrintln(fmt.Sprintf("%s v%s", versioninfo.Name, versioninfo.Version))
	case "exit", "quit":
		if s.stopApp != nil {
			s.stopApp()
		}
		return true
	case "":
		// ignore
	default:
		pr.Println("unknown command:", cmd)
	}
	return false
}

// handleStatus печатает агрегированное состояние движка.
func (s *Service) handleStatus(ctx context.Context) {
	st, err := s.exec.Status(ctx)
	if err != nil {
		pr.ErrPrintln("status error:", err)
		return
	}
	pr.Printf("Engine status: tasks=%d predictions=%d drafts=%d posted_today=%d\n",
		st.ActiveTasks, st.PendingPredictions, st.PendingDrafts, st.PostedToday)
	pr.Printf("Uptime: %s (since %s)\n",
		time.Since(st.StartedAt).Round(time.Second), st.StartedAt.Format(time.RFC3339))
}

// handleTasks печатает последние n задач журнала (по умолчанию 10).
func (s *Service) handleTasks(ctx context.Context, arg string) {
	n := 10
	if arg != "" {
		parsed, err := strconv.Atoi(arg)
		if err != nil || parsed <= 0 {
			pr.ErrPrintln("usage: tasks [n], n > 0")
			return
		}
		n = parsed
	}

	tasks, err := s.exec.Tasks(ctx, n)
	if err != nil {
		pr.ErrPrintln("tasks error:", err)
		return
	}
	if len(tasks) == 0 {
		pr.Println("No tasks recorded yet.")
		return
	}
	for _, t := range tasks {
		prompt := t.Prompt
		if len(prompt) > 60 {
			prompt = prompt[:60] + "..."
		}
		pr.Printf("%s  %-9s %-8s %s\n", t.CreatedAt.Format("15:04:05"), t.Status, t.Room, prompt)
	}
	pr.Printf("Total: %d\n", len(tasks))
}

// handleKill убивает активную задачу комнаты.
func (s *Service) handleKill(ctx context.Context, room string) {
	if room == "" {
		pr.ErrPrintln("usage: kill <room>")
		return
	}
	killed, err := s.exec.KillRoom(ctx, room)
	if err != nil {
		pr.ErrPrintln("kill error:", err)
		return
	}
	if killed {
		pr.Printf("Active task in %q killed.\n", room)
	} else {
		pr.Printf("No active task in %q.\n", room)
	}
}

// handleRooms печатает комнаты и привязанные каналы.
func (s *Service) handleRooms(ctx context.Context) {
	infos, err := s.exec.Rooms(ctx)
	if err != nil {
		pr.ErrPrintln("rooms error:", err)
		return
	}
	if len(infos) == 0 {
		pr.Println("No rooms registered.")
		return
	}
	for _, r := range infos {
		pr.Printf("%-10s backend=%-8s channel=%s\n", r.Room, r.Backend, r.ChannelID)
	}
}

// handleClip печатает состояние арбитра буфера обмена.
func (s *Service) handleClip(ctx context.Context) {
	clip, err := s.exec.Clip(ctx)
	if err != nil {
		pr.ErrPrintln("clip error:", err)
		return
	}
	if !clip.Locked {
		pr.Printf("Clipboard free, queued=%d\n", clip.Queued)
		return
	}
	pr.Printf("Clipboard locked by %q, queued=%d\n", clip.Holder, clip.Queued)
}

// handleHandles печатает таблицу авторизованных участников.
func (s *Service) handleHandles(ctx context.Context) {
	handles, err := s.exec.Handles(ctx)
	if err != nil {
		pr.ErrPrintln("handles error:", err)
		return
	}
	if len(handles) == 0 {
		pr.Println("No handles configured.")
		return
	}
	for _, h := range handles {
		ext := h.ExternalID
		if ext == "" {
			ext = "-"
		}
		pr.Printf("%-16s id=%-20s policy=%-15s rooms=%s\n", h.Username, ext, h.Policy, h.Rooms)
	}
}

// handleAdapters печатает статусы внешних транспортов.
func (s *Service) handleAdapters(ctx context.Context) {
	statuses, err := s.exec.Adapters(ctx)
	if err != nil {
		pr.ErrPrintln("adapters error:", err)
		return
	}
	if len(statuses) == 0 {
		pr.Println("No external adapters registered.")
		return
	}
	for name, status := range statuses {
		pr.Printf("%-10s %s\n", name, status)
	}
}

// joinCommandNames собирает строку имён команд для короткой подсказки.
func joinCommandNames(descriptors []commandDescriptor) string {
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.name)
	}
	return strings.Join(names, ", ")
}

// buildCommandHelpLines генерирует строки помощи вида "<name> - <description>".
func buildCommandHelpLines(descriptors []commandDescriptor) []string {
	lines := make([]string, 0, len(descriptors)+1)
	lines = append(lines, "Available commands:")
	for _, descriptor := range descriptors {
		lines = append(lines, fmt.Sprintf("  %-8s - %s", descriptor.name, descriptor.description))
	}
	return lines
}
