package common

import "errors"

// ErrNoTiles is returned when a grid is requested for an empty tile set
var ErrNoTiles = errors.New("no tiles provided")

// TileBounds is the inclusive column/row window covered by a set of tiles at
// one zoom. Columns grow east, rows grow south.
type TileBounds struct {
	MinCol, MaxCol int
	MinRow, MaxRow int
}

// Cols is the window width in tiles
func (tb TileBounds) Cols() int { return tb.MaxCol - tb.MinCol + 1 }

// Rows is the window height in tiles
func (tb TileBounds) Rows() int { return tb.MaxRow - tb.MinRow + 1 }

// Offset places tile (col, row) on a canvas of tileSize-pixel cells whose
// origin is the window's north-west corner
func (tb TileBounds) Offset(col, row, tileSize int) (x, y int) {
	return (col - tb.MinCol) * tileSize, (row - tb.MinRow) * tileSize
}

// Gridded is anything with a slippy-map column and row
type Gridded interface {
	GetRow() int
	GetColumn() int
}

// CalculateTileBounds returns the window spanned by tiles
func CalculateTileBounds[T Gridded](tiles []T) (TileBounds, error) {
	if len(tiles) == 0 {
		return TileBounds{}, ErrNoTiles
	}
	first := tiles[0]
	tb := TileBounds{first.GetColumn(), first.GetColumn(), first.GetRow(), first.GetRow()}
	for _, t := range tiles[1:] {
		col, row := t.GetColumn(), t.GetRow()
		tb.MinCol, tb.MaxCol = min(tb.MinCol, col), max(tb.MaxCol, col)
		tb.MinRow, tb.MaxRow = min(tb.MinRow, row), max(tb.MaxRow, row)
	}
	return tb, nil
}
