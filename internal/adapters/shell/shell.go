// Package shell — исполнитель внешних команд с обязательным таймаутом на вызов.
// Все обращения движка к ОС (osascript, kitty, wezterm) идут через Runner, чтобы
// зависший инструмент автоматизации не подвесил тик поллера дольше отведённого окна.
package shell

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

// DefaultTimeout — окно на один вызов внешней команды. Захваты терминалов
// обязаны быть короткими; всё, что дольше, трактуется как сбой захвата.
const DefaultTimeout = 5 * time.Second

// Result — результат выполнения одной команды.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner выполняет команды с таймаутом. Нулевое значение не использовать — New.
type Runner struct {
	timeout time.Duration
}

// New создаёт Runner с заданным таймаутом; d <= 0 означает DefaultTimeout.
func New(d time.Duration) *Runner {
	if d <= 0 {
		d = DefaultTimeout
	}
	return &Runner{timeout: d}
}

// Exec выполняет команду name с аргументами args и возвращает stdout/stderr/код выхода.
// Ненулевой код выхода не считается ошибкой на уровне Exec: решение за вызывающим.
func (r *Runner) Exec(ctx context.Context, name string, args ...string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	res := Result{
		Stdout: outBuf.String(),
		Stderr: errBuf.String(),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Команда запустилась и завершилась с ненулевым кодом.
			return res, nil
		}
		return res, errors.Wrap(err, "exec "+name)
	}
	return res, nil
}

// ExecLine выполняет командную строку через bash -c.
func (r *Runner) ExecLine(ctx context.Context, commandLine string) (Result, error) {
	return r.Exec(ctx, "bash", "-c", commandLine)
}

// AppleScript выполняет скрипт через osascript, передавая текст в stdin:
// так скрипт может содержать произвольные кавычки без шелл-экранирования.
func (r *Runner) AppleScript(ctx context.Context, script string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "osascript", "-")
	cmd.Stdin = strings.NewReader(script)

	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", errors.Wrap(errors.New(strings.TrimSpace(string(exitErr.Stderr))), "osascript")
		}
		return "", errors.Wrap(err, "osascript")
	}
	return strings.TrimRight(string(out), "\n"), nil
}
