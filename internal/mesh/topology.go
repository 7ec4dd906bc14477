package mesh

import "sort"

// Edge is an undirected edge V[0] < V[1] and the faces that contain it.
type Edge struct {
	V     [2]int
	Faces []int
}

// Interior reports whether exactly two faces share the edge.
func (e Edge) Interior() bool { return len(e.Faces) == 2 }

type topology struct {
	edges     []Edge
	neighbors [][]int
	boundary  []bool
}

func buildTopology(numVertices int, faces [][3]int) *topology {
	index := make(map[[2]int]int)
	var edges []Edge

	for f, face := range faces {
		for k := 0; k < 3; k++ {
			a, b := face[k], face[(k+1)%3]
			if a > b {
				a, b = b, a
			}
			key := [2]int{a, b}
			i, ok := index[key]
			if !ok {
				i = len(edges)
				index[key] = i
				edges = append(edges, Edge{V: key})
			}
			edges[i].Faces = append(edges[i].Faces, f)
		}
	}

	// Stable ordering keeps every reduction over edges deterministic.
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].V[0] != edges[j].V[0] {
			return edges[i].V[0] < edges[j].V[0]
		}
		return edges[i].V[1] < edges[j].V[1]
	})

	neighbors := make([][]int, numVertices)
	boundary := make([]bool, numVertices)
	for _, e := range edges {
		a, b := e.V[0], e.V[1]
		neighbors[a] = append(neighbors[a], b)
		neighbors[b] = append(neighbors[b], a)
		if len(e.Faces) == 1 {
			boundary[a] = true
			boundary[b] = true
		}
	}

	return &topology{
		edges:     edges,
		neighbors: neighbors,
		boundary:  boundary,
	}
}
