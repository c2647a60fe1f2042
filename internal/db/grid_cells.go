package db

import (
	"context"
	"fmt"

	"github.com/banshee-data/composite.report/internal/grid"
)

// ReplaceGridCells swaps the stored chip grid for g in one transaction.
func (db *DB) ReplaceGridCells(ctx context.Context, g *grid.Grid) error {
	return retryOnBusy(func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `DELETE FROM grid_cells`); err != nil {
			return fmt.Errorf("clear grid cells: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO grid_cells (
				cell_id, row_index, col_index, min_lon, min_lat, max_lon, max_lat,
				cell_meters, projection
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare grid cell insert: %w", err)
		}
		defer stmt.Close()

		for _, c := range g.Cells {
			if _, err := stmt.ExecContext(ctx, c.ID, c.Row, c.Col,
				c.Bound.Min[0], c.Bound.Min[1], c.Bound.Max[0], c.Bound.Max[1],
				g.Options.CellMeters, g.Options.Projection); err != nil {
				return fmt.Errorf("insert grid cell %s: %w", c.ID, err)
			}
		}
		return tx.Commit()
	})
}

// GridCells returns the stored cells ordered south to north, west to east.
func (db *DB) GridCells(ctx context.Context) ([]grid.Cell, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT cell_id, row_index, col_index, min_lon, min_lat, max_lon, max_lat
		FROM grid_cells
		ORDER BY row_index, col_index`)
	if err != nil {
		return nil, fmt.Errorf("query grid cells: %w", err)
	}
	defer rows.Close()

	var cells []grid.Cell
	for rows.Next() {
		var c grid.Cell
		if err := rows.Scan(&c.ID, &c.Row, &c.Col,
			&c.Bound.Min[0], &c.Bound.Min[1], &c.Bound.Max[0], &c.Bound.Max[1]); err != nil {
			return nil, fmt.Errorf("scan grid cell: %w", err)
		}
		cells = append(cells, c)
	}
	return cells, rows.Err()
}

// GridCellCount returns the number of stored cells.
func (db *DB) GridCellCount(ctx context.Context) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM grid_cells`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count grid cells: %w", err)
	}
	return n, nil
}
