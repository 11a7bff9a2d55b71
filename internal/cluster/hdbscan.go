package cluster

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// minDistance keeps lambda = 1/distance finite for coincident points.
const minDistance = 1e-12

// HDBSCAN is a hierarchical density-based clustering strategy using the
// Euclidean metric, min_samples equal to the minimum cluster size, and
// excess-of-mass cluster selection. The root of the hierarchy is never
// selected, so a batch with no density split is labeled entirely as noise.
type HDBSCAN struct{}

var _ Strategy = HDBSCAN{}

// Cluster assigns each vector a cluster label, or Noise.
func (HDBSCAN) Cluster(vectors [][]float64, minSize int, epsilon float64) ([]int, error) {
	n := len(vectors)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = Noise
	}
	if minSize < 2 {
		minSize = 2
	}
	if n < minSize {
		return labels, nil
	}

	core := coreDistances(vectors, minSize)
	tree := singleLinkage(minimumSpanningTree(vectors, core), n)
	ct := condense(tree, n, minSize)
	selected := ct.selectEOM()
	if epsilon > 0 {
		selected = ct.applyEpsilon(selected, epsilon)
	}
	return ct.label(selected, n), nil
}

// coreDistances returns, for each point, the distance to its k-th nearest
// neighbor counting the point itself. Distances are recomputed per row so
// memory stays linear in the number of points.
func coreDistances(vectors [][]float64, k int) []float64 {
	n := len(vectors)
	if k > n {
		k = n
	}
	core := make([]float64, n)
	row := make([]float64, n)
	for i := range vectors {
		for j := range vectors {
			row[j] = floats.Distance(vectors[i], vectors[j], 2)
		}
		core[i] = kthSmallest(row, k-1)
	}
	return core
}

// kthSmallest returns the element that would sit at index k if xs were
// sorted. xs is reordered.
func kthSmallest(xs []float64, k int) float64 {
	lo, hi := 0, len(xs)-1
	for lo < hi {
		pivot := xs[(lo+hi)/2]
		i, j := lo, hi
		for i <= j {
			for xs[i] < pivot {
				i++
			}
			for xs[j] > pivot {
				j--
			}
			if i <= j {
				xs[i], xs[j] = xs[j], xs[i]
				i++
				j--
			}
		}
		switch {
		case k <= j:
			hi = j
		case k >= i:
			lo = i
		default:
			return xs[k]
		}
	}
	return xs[k]
}

type edge struct {
	a, b   int
	weight float64
}

// minimumSpanningTree runs Prim's algorithm over the implicit complete graph
// weighted by mutual reachability distance.
func minimumSpanningTree(vectors [][]float64, core []float64) []edge {
	n := len(vectors)
	inTree := make([]bool, n)
	best := make([]float64, n)
	from := make([]int, n)
	for i := range best {
		best[i] = math.Inf(1)
	}
	edges := make([]edge, 0, n-1)

	cur := 0
	inTree[cur] = true
	for len(edges) < n-1 {
		next, nextW := -1, math.Inf(1)
		for j := 0; j < n; j++ {
			if inTree[j] {
				continue
			}
			w := floats.Distance(vectors[cur], vectors[j], 2)
			w = math.Max(w, math.Max(core[cur], core[j]))
			if w < best[j] {
				best[j] = w
				from[j] = cur
			}
			if best[j] < nextW {
				next, nextW = j, best[j]
			}
		}
		inTree[next] = true
		edges = append(edges, edge{a: from[next], b: next, weight: nextW})
		cur = next
	}

	sort.SliceStable(edges, func(i, j int) bool { return edges[i].weight < edges[j].weight })
	return edges
}

// linkage is one merge of the single-linkage dendrogram. Node ids below n
// are points; merge i creates node n+i.
type linkage struct {
	left, right int
	distance    float64
	size        int
}

func singleLinkage(mst []edge, n int) []linkage {
	parent := make([]int, 2*n-1)
	size := make([]int, 2*n-1)
	for i := range parent {
		parent[i] = i
		if i < n {
			size[i] = 1
		}
	}
	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}

	tree := make([]linkage, 0, n-1)
	for i, e := range mst {
		ra, rb := find(e.a), find(e.b)
		node := n + i
		tree = append(tree, linkage{left: ra, right: rb, distance: e.weight, size: size[ra] + size[rb]})
		parent[ra], parent[rb] = node, node
		size[node] = size[ra] + size[rb]
	}
	return tree
}

type condensedCluster struct {
	parent    int // -1 for the root
	birth     float64
	stability float64
	children  []int
}

type condensedTree struct {
	clusters    []condensedCluster
	pointParent []int
}

func lambdaOf(distance float64) float64 {
	return 1 / math.Max(distance, minDistance)
}

// condense collapses the dendrogram so that only splits producing two
// children of at least minSize points create new clusters.
func condense(tree []linkage, n, minSize int) *condensedTree {
	ct := &condensedTree{
		clusters:    []condensedCluster{{parent: -1}},
		pointParent: make([]int, n),
	}

	nodeSize := func(node int) int {
		if node < n {
			return 1
		}
		return tree[node-n].size
	}

	// fallOut records every point under node leaving cluster c at lambda.
	var fallOut func(node, c int, lambda float64)
	fallOut = func(node, c int, lambda float64) {
		if node < n {
			ct.pointParent[node] = c
			ct.clusters[c].stability += lambda - ct.clusters[c].birth
			return
		}
		l := tree[node-n]
		fallOut(l.left, c, lambda)
		fallOut(l.right, c, lambda)
	}

	type frame struct{ node, cluster int }
	stack := []frame{{node: 2*n - 2, cluster: 0}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.node < n {
			// A lone point reached directly: it leaves at infinite density.
			fallOut(f.node, f.cluster, lambdaOf(0))
			continue
		}
		l := tree[f.node-n]
		lambda := lambdaOf(l.distance)
		ls, rs := nodeSize(l.left), nodeSize(l.right)

		switch {
		case ls >= minSize && rs >= minSize:
			for _, child := range []struct{ node, size int }{{l.right, rs}, {l.left, ls}} {
				id := len(ct.clusters)
				ct.clusters = append(ct.clusters, condensedCluster{parent: f.cluster, birth: lambda})
				ct.clusters[f.cluster].children = append(ct.clusters[f.cluster].children, id)
				ct.clusters[f.cluster].stability += (lambda - ct.clusters[f.cluster].birth) * float64(child.size)
				stack = append(stack, frame{node: child.node, cluster: id})
			}
		case ls < minSize && rs < minSize:
			fallOut(l.left, f.cluster, lambda)
			fallOut(l.right, f.cluster, lambda)
		case ls < minSize:
			fallOut(l.left, f.cluster, lambda)
			stack = append(stack, frame{node: l.right, cluster: f.cluster})
		default:
			fallOut(l.right, f.cluster, lambda)
			stack = append(stack, frame{node: l.left, cluster: f.cluster})
		}
	}
	return ct
}

// selectEOM picks the clusters maximizing total stability. Ties favor the
// parent. The root is excluded.
func (ct *condensedTree) selectEOM() map[int]bool {
	selected := make(map[int]bool)
	subtree := make([]float64, len(ct.clusters))

	// Children always have larger ids than their parent.
	for c := len(ct.clusters) - 1; c >= 1; c-- {
		cl := ct.clusters[c]
		if len(cl.children) == 0 {
			selected[c] = true
			subtree[c] = cl.stability
			continue
		}
		var childSum float64
		for _, ch := range cl.children {
			childSum += subtree[ch]
		}
		if childSum > cl.stability {
			subtree[c] = childSum
			continue
		}
		subtree[c] = cl.stability
		ct.deselectDescendants(c, selected)
		selected[c] = true
	}
	return selected
}

func (ct *condensedTree) deselectDescendants(c int, selected map[int]bool) {
	queue := append([]int(nil), ct.clusters[c].children...)
	for len(queue) > 0 {
		x := queue[0]
		queue = queue[1:]
		delete(selected, x)
		queue = append(queue, ct.clusters[x].children...)
	}
}

// applyEpsilon replaces selected clusters born below the epsilon distance
// threshold with their nearest ancestor born at or above it, stopping below
// the root.
func (ct *condensedTree) applyEpsilon(selected map[int]bool, epsilon float64) map[int]bool {
	out := make(map[int]bool, len(selected))
	for c := range selected {
		for 1/ct.clusters[c].birth < epsilon && ct.clusters[c].parent > 0 {
			c = ct.clusters[c].parent
		}
		out[c] = true
	}
	for c := range out {
		for p := ct.clusters[c].parent; p > 0; p = ct.clusters[p].parent {
			if out[p] {
				delete(out, c)
				break
			}
		}
	}
	return out
}

// label numbers the selected clusters by id and assigns each point the label
// of its nearest selected ancestor.
func (ct *condensedTree) label(selected map[int]bool, n int) []int {
	ids := make([]int, 0, len(selected))
	for c := range selected {
		ids = append(ids, c)
	}
	sort.Ints(ids)
	labelOf := make(map[int]int, len(ids))
	for i, c := range ids {
		labelOf[c] = i
	}

	labels := make([]int, n)
	for p := 0; p < n; p++ {
		labels[p] = Noise
		for c := ct.pointParent[p]; c > 0; c = ct.clusters[c].parent {
			if l, ok := labelOf[c]; ok {
				labels[p] = l
				break
			}
		}
	}
	return labels
}
