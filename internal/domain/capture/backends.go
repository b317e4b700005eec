// Реализации пяти IPC-бэкендов чтения терминалов. AppleScript-тексты передаются
// osascript через stdin (см. adapters/shell), поэтому кавычки внутри скриптов
// не требуют шелл-экранирования.
package capture

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
)

func errUnknownBackend(b Backend) error {
	return errors.New("unknown capture backend: " + string(b))
}

// readITerm читает содержимое сессии iTerm2, чей заголовок содержит подсказку
// комнаты. Фокус не переключается, буфер обмена не используется.
func (s *Service) readITerm(ctx context.Context, r Room) (string, error) {
	script := fmt.Sprintf(`tell application "iTerm2"
	repeat with w in windows
		repeat with t in tabs of w
			repeat with sess in sessions of t
				if name of sess contains %q then
					return contents of sess
				end if
			end repeat
		end repeat
	end repeat
end tell
return ""`, r.TitleHint)
	return s.sh.AppleScript(ctx, script)
}

// readTerminal читает историю вкладки Terminal.app по подстроке заголовка.
func (s *Service) readTerminal(ctx context.Context, r Room) (string, error) {
	script := fmt.Sprintf(`tell application "Terminal"
	repeat with w in windows
		repeat with t in tabs of w
			if custom title of t contains %q or name of w contains %q then
				return history of t
			end if
		end repeat
	end repeat
end tell
return ""`, r.TitleHint, r.TitleHint)
	return s.sh.AppleScript(ctx, script)
}

// readKitty запрашивает текст панели через управляющий сокет kitty.
// Сначала пробуем матч по заголовку; при неудаче берём всю панель целиком.
func (s *Service) readKitty(ctx context.Context, r Room) (string, error) {
	res, err := s.sh.Exec(ctx, "kitty", "@", "get-text", "--match", "title:"+r.TitleHint)
	if err == nil && res.ExitCode == 0 {
		return res.Stdout, nil
	}
	res, err = s.sh.Exec(ctx, "kitty", "@", "get-text")
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", errors.New("kitty get-text: " + strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

// wezPane — запись списка панелей `wezterm cli list --format json`.
type wezPane struct {
	PaneID int    `json:"pane_id"`
	Title  string `json:"title"`
}

// readWezTerm перечисляет панели wezterm, выбирает ту, чей заголовок содержит
// подсказку комнаты, и читает её текст.
func (s *Service) readWezTerm(ctx context.Context, r Room) (string, error) {
	listRes, err := s.sh.Exec(ctx, "wezterm", "cli", "list", "--format", "json")
	if err != nil {
		return "", err
	}
	if listRes.ExitCode != 0 {
		return "", errors.New("wezterm cli list: " + strings.TrimSpace(listRes.Stderr))
	}

	paneID, err := matchWezPane(listRes.Stdout, r.TitleHint)
	if err != nil {
		return "", err
	}

	textRes, err := s.sh.Exec(ctx, "wezterm", "cli", "get-text", "--pane-id", strconv.Itoa(paneID))
	if err != nil {
		return "", err
	}
	if textRes.ExitCode != 0 {
		return "", errors.New("wezterm get-text: " + strings.TrimSpace(textRes.Stderr))
	}
	return textRes.Stdout, nil
}

// readSystemEvents — единственный бэкенд, требующий фокуса и буфера обмена.
// Последовательность под лизингом арбитра: активировать приложение → выделить
// всё → копировать → прочитать буфер. Release гарантирован на любом пути
// выхода через Scoped. Пустое чтение буфера вызывающие обязаны трактовать как
// сбой захвата: авторазрешённый ожидающий арбитра лизинга не имеет.
func (s *Service) readSystemEvents(ctx context.Context, r Room) (string, error) {
	var content string
	err := s.clip.Scoped(ctx, "capture:"+r.Name, func() error {
		script := fmt.Sprintf(`tell application %q to activate
delay 0.2
tell application "System Events"
	keystroke "a" using command down
	delay 0.1
	keystroke "c" using command down
end tell
delay 0.2`, r.App)
		if _, err := s.sh.AppleScript(ctx, script); err != nil {
			return errors.Wrap(err, "system-events copy")
		}

		res, err := s.sh.Exec(ctx, "pbpaste")
		if err != nil {
			return errors.Wrap(err, "pbpaste")
		}
		content = res.Stdout
		return nil
	})
	return content, err
}
