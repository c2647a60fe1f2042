package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/paulmach/orb"

	"github.com/banshee-data/composite.report/internal/catalog"
)

// UpsertScene stores s, replacing any scene with the same ID.
func (db *DB) UpsertScene(ctx context.Context, s *catalog.Scene) error {
	gridJSON, err := json.Marshal(s.Grid)
	if err != nil {
		return fmt.Errorf("marshal grid of %s: %w", s.ID, err)
	}
	var props any
	if len(s.Properties) > 0 {
		b, err := json.Marshal(s.Properties)
		if err != nil {
			return fmt.Errorf("marshal properties of %s: %w", s.ID, err)
		}
		props = string(b)
	}
	assetsJSON, err := json.Marshal(s.Assets)
	if err != nil {
		return fmt.Errorf("marshal assets of %s: %w", s.ID, err)
	}

	return retryOnBusy(func() error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO scenes (
				scene_id, collection, acquired_unix_nanos,
				min_lon, min_lat, max_lon, max_lat,
				grid_json, properties_json, assets_json, ingested_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(scene_id) DO UPDATE SET
				collection = excluded.collection,
				acquired_unix_nanos = excluded.acquired_unix_nanos,
				min_lon = excluded.min_lon,
				min_lat = excluded.min_lat,
				max_lon = excluded.max_lon,
				max_lat = excluded.max_lat,
				grid_json = excluded.grid_json,
				properties_json = excluded.properties_json,
				assets_json = excluded.assets_json,
				ingested_at = excluded.ingested_at`,
			s.ID, s.Collection, s.Acquired.UnixNano(),
			s.Footprint.Min[0], s.Footprint.Min[1], s.Footprint.Max[0], s.Footprint.Max[1],
			string(gridJSON), props, string(assetsJSON), time.Now().UnixNano(),
		)
		return err
	})
}

// IngestScenes upserts every scene and returns how many were written.
func (db *DB) IngestScenes(ctx context.Context, scenes []*catalog.Scene) (int, error) {
	for i, s := range scenes {
		if err := db.UpsertScene(ctx, s); err != nil {
			return i, err
		}
	}
	return len(scenes), nil
}

// Scenes returns the stored scenes of a collection ordered by acquisition
// time then ID. It satisfies catalog.Source.
func (db *DB) Scenes(ctx context.Context, collectionID string) (*catalog.Collection, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT scene_id, collection, acquired_unix_nanos,
		       min_lon, min_lat, max_lon, max_lat,
		       grid_json, properties_json, assets_json
		FROM scenes
		WHERE collection = ?
		ORDER BY acquired_unix_nanos, scene_id`, collectionID)
	if err != nil {
		return nil, fmt.Errorf("query scenes: %w", err)
	}
	defer rows.Close()

	c := &catalog.Collection{ID: collectionID}
	for rows.Next() {
		s, err := scanScene(rows)
		if err != nil {
			return nil, err
		}
		c.Scenes = append(c.Scenes, s)
	}
	return c, rows.Err()
}

// SceneCounts returns the number of stored scenes per collection.
func (db *DB) SceneCounts(ctx context.Context) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT collection, COUNT(*) FROM scenes GROUP BY collection`)
	if err != nil {
		return nil, fmt.Errorf("query scene counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan scene count: %w", err)
		}
		out[id] = n
	}
	return out, rows.Err()
}

func scanScene(rows *sql.Rows) (*catalog.Scene, error) {
	var (
		s         catalog.Scene
		acquired  int64
		b         orb.Bound
		gridJSON  string
		propsJSON sql.NullString
		assets    string
	)
	if err := rows.Scan(&s.ID, &s.Collection, &acquired,
		&b.Min[0], &b.Min[1], &b.Max[0], &b.Max[1],
		&gridJSON, &propsJSON, &assets); err != nil {
		return nil, fmt.Errorf("scan scene: %w", err)
	}
	s.Acquired = time.Unix(0, acquired).UTC()
	s.Footprint = b
	if err := json.Unmarshal([]byte(gridJSON), &s.Grid); err != nil {
		return nil, fmt.Errorf("decode grid of %s: %w", s.ID, err)
	}
	if propsJSON.Valid {
		if err := json.Unmarshal([]byte(propsJSON.String), &s.Properties); err != nil {
			return nil, fmt.Errorf("decode properties of %s: %w", s.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(assets), &s.Assets); err != nil {
		return nil, fmt.Errorf("decode assets of %s: %w", s.ID, err)
	}
	return &s, nil
}

var _ catalog.Source = (*DB)(nil)
