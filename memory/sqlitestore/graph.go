package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/zerolog"

	"github.com/memhive/memoryd/memory"
)

// Graph implements memory.GraphStore on the graph_nodes and graph_edges
// tables. Edges are unique on (src, dst, edge_type).
type Graph struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewGraph wraps an open database. Schema is managed by migrations.
func NewGraph(db *sql.DB, logger zerolog.Logger) *Graph {
	return &Graph{
		db:     db,
		logger: logger.With().Str("component", "sqlite_graph").Logger(),
	}
}

func (g *Graph) MergeNode(ctx context.Context, id string, labels []string, props map[string]any) error {
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("marshal node labels: %w", err)
	}
	propsJSON, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("marshal node props: %w", err)
	}
	queryStr, args, err := sq.Insert("graph_nodes").
		Columns("id", "labels", "props").
		Values(id, labelsJSON, propsJSON).
		Suffix("ON CONFLICT(id) DO UPDATE SET labels = excluded.labels, props = excluded.props").
		ToSql()
	if err != nil {
		return fmt.Errorf("build node merge: %w", err)
	}
	if _, err := g.db.ExecContext(ctx, queryStr, args...); err != nil {
		return classify(fmt.Errorf("merge node %s: %w", id, err))
	}
	return nil
}

func (g *Graph) MergeEdge(ctx context.Context, src, dst, edgeType string, props map[string]any) error {
	propsJSON, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("marshal edge props: %w", err)
	}
	queryStr, args, err := sq.Insert("graph_edges").
		Columns("src", "dst", "edge_type", "props").
		Values(src, dst, edgeType, propsJSON).
		Suffix("ON CONFLICT(src, dst, edge_type) DO UPDATE SET props = excluded.props").
		ToSql()
	if err != nil {
		return fmt.Errorf("build edge merge: %w", err)
	}
	if _, err := g.db.ExecContext(ctx, queryStr, args...); err != nil {
		return classify(fmt.Errorf("merge edge %s->%s: %w", src, dst, err))
	}
	return nil
}

// Neighborhood walks edges in both directions breadth-first up to depth
// hops. Depth is expected to stay small (1 or 2); each hop is one query.
func (g *Graph) Neighborhood(ctx context.Context, id string, depth int, edgeTypes []string) ([]memory.Edge, error) {
	if depth <= 0 {
		depth = 1
	}
	frontier := []string{id}
	visited := map[string]bool{id: true}
	seen := make(map[[3]string]bool)
	var out []memory.Edge

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		b := sq.Select("src", "dst", "edge_type", "props").From("graph_edges").
			Where(sq.Or{sq.Eq{"src": frontier}, sq.Eq{"dst": frontier}})
		if len(edgeTypes) > 0 {
			b = b.Where(sq.Eq{"edge_type": edgeTypes})
		}
		queryStr, args, err := b.ToSql()
		if err != nil {
			return nil, fmt.Errorf("build neighborhood query: %w", err)
		}
		rows, err := g.db.QueryContext(ctx, queryStr, args...)
		if err != nil {
			return nil, classify(fmt.Errorf("query neighborhood of %s: %w", id, err))
		}

		var next []string
		for rows.Next() {
			var e memory.Edge
			var propsJSON []byte
			if err := rows.Scan(&e.Src, &e.Dst, &e.Type, &propsJSON); err != nil {
				rows.Close()
				return nil, err
			}
			if len(propsJSON) > 0 {
				_ = json.Unmarshal(propsJSON, &e.Props)
			}
			key := [3]string{e.Src, e.Dst, e.Type}
			if !seen[key] {
				seen[key] = true
				out = append(out, e)
			}
			for _, n := range []string{e.Src, e.Dst} {
				if !visited[n] {
					visited[n] = true
					next = append(next, n)
				}
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, classify(err)
		}
		frontier = next
	}
	return out, nil
}

// MoveEdges rewrites every edge touching from so it touches to instead,
// dropping self-loops and duplicates created by the rewrite.
func (g *Graph) MoveEdges(ctx context.Context, from, to string) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin edge move: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	stmts := []string{
		`UPDATE OR IGNORE graph_edges SET src = ? WHERE src = ?`,
		`UPDATE OR IGNORE graph_edges SET dst = ? WHERE dst = ?`,
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s, to, from); err != nil {
			return classify(fmt.Errorf("rewrite edges %s->%s: %w", from, to, err))
		}
	}
	// Edges whose rewrite collided with an existing row remain on the old
	// node; drop them along with any self-loops.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM graph_edges WHERE src = ? OR dst = ? OR src = dst`, from, from); err != nil {
		return classify(fmt.Errorf("sweep moved edges: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit edge move: %w", err))
	}
	return nil
}

func (g *Graph) DeleteNode(ctx context.Context, id string, cascade bool) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin node delete: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.ExecContext(ctx, `DELETE FROM graph_nodes WHERE id = ?`, id); err != nil {
		return classify(fmt.Errorf("delete node %s: %w", id, err))
	}
	if cascade {
		if _, err := tx.ExecContext(ctx, `DELETE FROM graph_edges WHERE src = ? OR dst = ?`, id, id); err != nil {
			return classify(fmt.Errorf("delete edges of %s: %w", id, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit node delete: %w", err))
	}
	return nil
}

func (g *Graph) Ping(ctx context.Context) error {
	return g.db.PingContext(ctx)
}

var _ memory.GraphStore = (*Graph)(nil)
