package maisync

import "fmt"

// Difficulty is the chart difficulty index used by the comparison page.
type Difficulty int

const (
	// DifficultyBasic is index 0.
	DifficultyBasic Difficulty = iota
	// DifficultyAdvanced is index 1.
	DifficultyAdvanced
	// DifficultyExpert is index 2.
	DifficultyExpert
	// DifficultyMaster is index 3.
	DifficultyMaster
	// DifficultyReMaster is index 4.
	DifficultyReMaster
)

// DifficultyCount is the number of crawled difficulties.
const DifficultyCount = 5

var difficultyNames = [DifficultyCount]string{"basic", "advanced", "expert", "master", "remaster"}

func (d Difficulty) String() string {
	if d < 0 || int(d) >= DifficultyCount {
		return fmt.Sprintf("difficulty(%d)", int(d))
	}
	return difficultyNames[d]
}

// Valid reports whether d is a crawlable difficulty.
func (d Difficulty) Valid() bool {
	return d >= 0 && int(d) < DifficultyCount
}

// AllDifficulties lists every difficulty in crawl order.
func AllDifficulties() []Difficulty {
	out := make([]Difficulty, DifficultyCount)
	for i := range out {
		out[i] = Difficulty(i)
	}
	return out
}

// ScoreType selects which metric the comparison page ranks by.
type ScoreType int

const (
	// ScoreTypeAchievement compares achievement percentages.
	ScoreTypeAchievement ScoreType = 1
	// ScoreTypeDXScore compares DX scores.
	ScoreTypeDXScore ScoreType = 2
)

// ScoreTypeCount is the number of score types per difficulty.
const ScoreTypeCount = 2

func (t ScoreType) String() string {
	switch t {
	case ScoreTypeAchievement:
		return "achievement"
	case ScoreTypeDXScore:
		return "dxscore"
	default:
		return fmt.Sprintf("scoretype(%d)", int(t))
	}
}

// Valid reports whether t is a known score type.
func (t ScoreType) Valid() bool {
	return t == ScoreTypeAchievement || t == ScoreTypeDXScore
}

// GridSize is the number of cells crawled for one job.
const GridSize = DifficultyCount * ScoreTypeCount

// Cell is one (difficulty, score type) pair of the crawl grid.
type Cell struct {
	Difficulty Difficulty
	ScoreType  ScoreType
}

// Index returns the stable position of the cell in the grid.
func (c Cell) Index() int {
	return int(c.Difficulty)*ScoreTypeCount + int(c.ScoreType) - 1
}

// Key builds the cache key of the cell for a job.
func (c Cell) Key(jobID string) CacheKey {
	return CacheKey{JobID: jobID, Difficulty: c.Difficulty, ScoreType: c.ScoreType}
}

// CellAt returns the cell at index i.
func CellAt(i int) (Cell, bool) {
	if i < 0 || i >= GridSize {
		return Cell{}, false
	}
	return Cell{
		Difficulty: Difficulty(i / ScoreTypeCount),
		ScoreType:  ScoreType(i%ScoreTypeCount + 1),
	}, true
}

// Grid returns every cell, difficulty-major.
func Grid() []Cell {
	cells := make([]Cell, 0, GridSize)
	for i := 0; i < GridSize; i++ {
		c, _ := CellAt(i)
		cells = append(cells, c)
	}
	return cells
}
