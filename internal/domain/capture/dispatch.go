// Отправка текста в терминал комнаты. Симметрична чтению: каждый бэкенд
// использует свой IPC-механизм, и только system-events нуждается в фокусе окна.
package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
)

// matchWezPane выбирает панель wezterm по подстроке заголовка из вывода
// `wezterm cli list --format json`.
func matchWezPane(listJSON, titleHint string) (int, error) {
	var panes []wezPane
	if err := json.Unmarshal([]byte(listJSON), &panes); err != nil {
		return 0, errors.Wrap(err, "parse wezterm pane list")
	}
	for _, p := range panes {
		if strings.Contains(p.Title, titleHint) {
			return p.PaneID, nil
		}
	}
	return 0, errors.New("wezterm: no pane matches title hint " + titleHint)
}

// SendText печатает текст в терминале комнаты и завершает его переводом строки,
// как если бы оператор набрал команду и нажал Enter.
func (s *Service) SendText(ctx context.Context, room, text string) error {
	binding, ok := s.rooms[room]
	if !ok {
		return errors.New("dispatch: unknown room " + room)
	}

	switch binding.Backend {
	case BackendITerm:
		return s.sendITerm(ctx, binding, text)
	case BackendTerminal:
		return s.sendTerminal(ctx, binding, text)
	case BackendKitty:
		return s.sendKitty(ctx, binding, text)
	case BackendWezTerm:
		return s.sendWezTerm(ctx, binding, text)
	case BackendSystemEvents:
		return s.sendSystemEvents(ctx, binding, text)
	default:
		return errUnknownBackend(binding.Backend)
	}
}

// sendITerm пишет текст в сессию iTerm2 по подсказке заголовка.
// write text сам добавляет перевод строки.
func (s *Service) sendITerm(ctx context.Context, r Room, text string) error {
	script := fmt.Sprintf(`tell application "iTerm2"
	repeat with w in windows
		repeat with t in tabs of w
			repeat with sess in sessions of t
				if name of sess contains %q then
					tell sess to write text %q
					return "ok"
				end if
			end repeat
		end repeat
	end repeat
end tell
return ""`, r.TitleHint, text)
	out, err := s.sh.AppleScript(ctx, script)
	if err != nil {
		return errors.Wrap(err, "iterm write")
	}
	if out == "" {
		return errors.New("iterm: no session matches title hint " + r.TitleHint)
	}
	return nil
}

// sendTerminal выполняет do script во вкладке Terminal.app.
func (s *Service) sendTerminal(ctx context.Context, r Room, text string) error {
	script := fmt.Sprintf(`tell application "Terminal"
	repeat with w in windows
		repeat with t in tabs of w
			if custom title of t contains %q or name of w contains %q then
				do script %q in t
				return "ok"
			end if
		end repeat
	end repeat
end tell
return ""`, r.TitleHint, r.TitleHint, text)
	out, err := s.sh.AppleScript(ctx, script)
	if err != nil {
		return errors.Wrap(err, "terminal do script")
	}
	if out == "" {
		return errors.New("terminal: no tab matches title hint " + r.TitleHint)
	}
	return nil
}

// sendKitty отправляет текст через управляющий сокет kitty.
func (s *Service) sendKitty(ctx context.Context, r Room, text string) error {
	res, err := s.sh.Exec(ctx, "kitty", "@", "send-text", "--match", "title:"+r.TitleHint, text+"\n")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return errors.New("kitty send-text: " + strings.TrimSpace(res.Stderr))
	}
	return nil
}

// sendWezTerm находит панель по заголовку и отправляет текст в неё.
func (s *Service) sendWezTerm(ctx context.Context, r Room, text string) error {
	listRes, err := s.sh.Exec(ctx, "wezterm", "cli", "list", "--format", "json")
	if err != nil {
		return err
	}
	if listRes.ExitCode != 0 {
		return errors.New("wezterm cli list: " + strings.TrimSpace(listRes.Stderr))
	}

	paneID, err := matchWezPane(listRes.Stdout, r.TitleHint)
	if err != nil {
		return err
	}

	res, err := s.sh.Exec(ctx, "wezterm", "cli", "send-text", "--no-paste", "--pane-id", strconv.Itoa(paneID), text+"\n")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return errors.New("wezterm send-text: " + strings.TrimSpace(res.Stderr))
	}
	return nil
}

// sendSystemEvents активирует приложение и печатает текст клавиатурными
// событиями. Фокус меняется, поэтому последовательность идёт под лизингом
// арбитра: одновременный захват через буфер обмена исключён.
func (s *Service) sendSystemEvents(ctx context.Context, r Room, text string) error {
	return s.clip.Scoped(ctx, "dispatch:"+r.Name, func() error {
		script := fmt.Sprintf(`tell application %q to activate
delay 0.2
tell application "System Events"
	keystroke %q
	key code 36
end tell`, r.App, text)
		if _, err := s.sh.AppleScript(ctx, script); err != nil {
			return errors.Wrap(err, "system-events keystroke")
		}
		return nil
	})
}
