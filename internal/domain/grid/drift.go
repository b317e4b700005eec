package grid

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"intentguard/internal/adapters/shell"
	"intentguard/internal/infra/logger"
)

// Калибровка детектора дрейфа: сырые сигналы обрезаются в [0,1]
// относительно этих границ.
const (
	intentMentionsCap = 30.0
	realityCommitsCap = 20.0
	realityLinesCap   = 2000.0

	driftDeadband = 0.15
	coldThreshold = 0.10

	commitWindow = "7 days ago"
)

// Direction — знак дрейфа ячейки.
type Direction string

const (
	DirectionSpecAhead Direction = "spec_ahead"
	DirectionRepoAhead Direction = "repo_ahead"
	DirectionAligned   Direction = "aligned"
	DirectionBothCold  Direction = "both_cold"
)

// CellDrift — дрейф одной ячейки.
type CellDrift struct {
	Cell      string    `json:"cell"`
	Intent    float64   `json:"intent"`
	Reality   float64   `json:"reality"`
	Drift     float64   `json:"drift"`
	Direction Direction `json:"direction"`
}

// Signal — итог одного прохода детектора.
type Signal struct {
	TS        time.Time            `json:"ts"`
	PerCell   map[string]CellDrift `json:"per_cell"`
	Average   float64              `json:"average"`
	HotCells  []string             `json:"hot_cells"`  // spec_ahead с активным намерением, по убыванию дрейфа
	ColdCells []string             `json:"cold_cells"` // обе стороны холодные
	Focus     string               `json:"focus"`      // человекочитаемая рекомендация
}

// CommandRunner — исполнитель git-команд для подсчёта коммитов.
type CommandRunner interface {
	Exec(ctx context.Context, name string, args ...string) (shell.Result, error)
}

// Detector периодически сравнивает силу намерения (упоминания в документах)
// с силой реальности (свежие коммиты и объём кода) по каждой ячейке.
type Detector struct {
	specDoc     string
	pipelineDoc string
	repoRoot    string
	sh          CommandRunner
}

// NewDetector создаёт детектор дрейфа.
func NewDetector(specDoc, pipelineDoc, repoRoot string, sh CommandRunner) *Detector {
	return &Detector{
		specDoc:     specDoc,
		pipelineDoc: pipelineDoc,
		repoRoot:    repoRoot,
		sh:          sh,
	}
}

// Scan выполняет один проход по всем ячейкам.
func (d *Detector) Scan(ctx context.Context) Signal {
	docs := strings.ToLower(readAll(d.specDoc) + "\n" + readAll(d.pipelineDoc))

	sig := Signal{
		TS:      time.Now(),
		PerCell: make(map[string]CellDrift, len(Cells)),
	}
	var sum float64
	for _, c := range Cells {
		intent := d.intentStrength(docs, c)
		reality := d.realityStrength(ctx, c)
		cd := CellDrift{
			Cell:      c.ID,
			Intent:    intent,
			Reality:   reality,
			Drift:     abs(intent - reality),
			Direction: classify(intent, reality),
		}
		sig.PerCell[c.ID] = cd
		sum += cd.Drift

		if cd.Direction == DirectionSpecAhead && intent >= coldThreshold {
			sig.HotCells = append(sig.HotCells, c.ID)
		}
		if cd.Direction == DirectionBothCold {
			sig.ColdCells = append(sig.ColdCells, c.ID)
		}
	}
	sig.Average = sum / float64(len(Cells))

	sort.Slice(sig.HotCells, func(a, b int) bool {
		da, db := sig.PerCell[sig.HotCells[a]].Drift, sig.PerCell[sig.HotCells[b]].Drift
		if da != db {
			return da > db
		}
		return sig.HotCells[a] < sig.HotCells[b]
	})
	sort.Strings(sig.ColdCells)

	if len(sig.HotCells) > 0 {
		top := sig.HotCells[0]
		cell, _ := CellByID(top)
		sig.Focus = fmt.Sprintf("focus on %s (%s): spec is ahead of the repo by %.2f — room %s",
			top, cell.Label, sig.PerCell[top].Drift, cell.Room)
	} else {
		sig.Focus = "no focus needed: spec and repo are aligned"
	}
	return sig
}

// classify сравнивает стороны с мёртвой зоной и холодным порогом.
func classify(intent, reality float64) Direction {
	if intent < coldThreshold && reality < coldThreshold {
		return DirectionBothCold
	}
	switch {
	case intent-reality > driftDeadband:
		return DirectionSpecAhead
	case reality-intent > driftDeadband:
		return DirectionRepoAhead
	default:
		return DirectionAligned
	}
}

// intentStrength считает упоминания ключевых слов ячейки в документах.
func (d *Detector) intentStrength(docs string, c Cell) float64 {
	mentions := 0
	for _, kw := range c.Keywords {
		mentions += strings.Count(docs, strings.ToLower(kw))
	}
	return clip(float64(mentions) / intentMentionsCap)
}

// realityStrength складывает свежие коммиты и объём кода по путям ячейки.
func (d *Detector) realityStrength(ctx context.Context, c Cell) float64 {
	var commits int
	var lines int
	for _, rel := range c.Paths {
		commits += d.commitCount(ctx, rel)
		lines += countLines(filepath.Join(d.repoRoot, rel))
	}
	return 0.6*clip(float64(commits)/realityCommitsCap) + 0.4*clip(float64(lines)/realityLinesCap)
}

// commitCount спрашивает git о числе коммитов по пути за окно.
func (d *Detector) commitCount(ctx context.Context, rel string) int {
	if d.sh == nil {
		return 0
	}
	res, err := d.sh.Exec(ctx, "git", "-C", d.repoRoot, "rev-list", "--count",
		"--since", commitWindow, "HEAD", "--", rel)
	if err != nil || res.ExitCode != 0 {
		logger.Debug("drift: commit count failed", zap.String("path", rel), zap.Error(err))
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil {
		return 0
	}
	return n
}

// countLines суммирует строки всех обычных файлов под корнем пути.
func countLines(root string) int {
	total := 0
	_ = filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		total += strings.Count(string(data), "\n")
		return nil
	})
	return total
}

// readAll читает файл целиком; отсутствие — пустая строка.
func readAll(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("drift: document read failed", zap.String("path", path), zap.Error(err))
		}
		return ""
	}
	return string(data)
}

func clip(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
