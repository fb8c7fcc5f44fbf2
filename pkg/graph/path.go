package graph

import (
	"context"
	"fmt"

	"github.com/ekaya-inc/ontology-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontology-engine/pkg/models"
)

// DefaultMaxPathDepth bounds ShortestPath when the caller passes maxDepth <= 0.
const DefaultMaxPathDepth = 6

type neighborFunc func(ctx context.Context, ref models.EntityRef) ([]*models.Relation, error)

// shortestPath runs a breadth-first search treating relations as undirected.
func shortestPath(ctx context.Context, from, to models.EntityRef, maxDepth int, neighbors neighborFunc) ([]*models.Relation, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxPathDepth
	}
	if from == to {
		return []*models.Relation{}, nil
	}

	visited := map[models.EntityRef]pathStep{from: {}}
	frontier := []models.EntityRef{from}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var next []models.EntityRef
		for _, node := range frontier {
			rels, err := neighbors(ctx, node)
			if err != nil {
				return nil, fmt.Errorf("expand %s: %w", node, err)
			}
			for _, rel := range rels {
				other := rel.To
				if other == node {
					other = rel.From
				}
				if _, seen := visited[other]; seen {
					continue
				}
				visited[other] = pathStep{prev: node, via: rel}
				if other == to {
					return unwindPath(visited, from, to), nil
				}
				next = append(next, other)
			}
		}
		frontier = next
	}
	return nil, fmt.Errorf("no path from %s to %s within %d hops: %w", from, to, maxDepth, apperrors.ErrNotFound)
}

type pathStep struct {
	prev models.EntityRef
	via  *models.Relation
}

func unwindPath(visited map[models.EntityRef]pathStep, from, to models.EntityRef) []*models.Relation {
	var path []*models.Relation
	for cur := to; cur != from; {
		s := visited[cur]
		path = append(path, s.via)
		cur = s.prev
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
