package internal

import (
	"fmt"
	"math"
	"math/rand"
)

const eulerMascheroni = 0.5772156649

// treeNode is one node of an isolation tree. Leaf when Left and Right are nil;
// internal nodes carry the split, leaves carry the residual partition size.
type treeNode struct {
	Feature int       `json:"f,omitempty"`
	Split   float64   `json:"s,omitempty"`
	Left    *treeNode `json:"l,omitempty"`
	Right   *treeNode `json:"r,omitempty"`
	Size    int       `json:"n,omitempty"`
	Depth   int       `json:"d,omitempty"`
}

func (n *treeNode) leaf() bool { return n.Left == nil && n.Right == nil }

// IsolationForest isolates anomalies by random axis-aligned splits: points
// that separate from the rest in few splits score close to 1. Instances are
// immutable after Fit, so concurrent Predict calls need no locking.
type IsolationForest struct {
	numTrees      int
	subsampleSize int
	maxDepth      int

	trees     []*treeNode
	effective int // subsample size actually used at fit time
	rng       *rand.Rand
}

// NewIsolationForest builds an untrained forest. The seed fixes subsampling
// and split choices, which makes training reproducible.
func NewIsolationForest(numTrees, subsampleSize int, seed int64) *IsolationForest {
	if numTrees <= 0 {
		numTrees = 100
	}
	if subsampleSize <= 1 {
		subsampleSize = 256
	}
	return &IsolationForest{
		numTrees:      numTrees,
		subsampleSize: subsampleSize,
		maxDepth:      int(math.Ceil(math.Log2(float64(subsampleSize)))),
		rng:           rand.New(rand.NewSource(seed)),
	}
}

// Fit trains the forest on a row-major matrix. Each tree sees its own uniform
// subsample drawn without replacement.
func (f *IsolationForest) Fit(data [][]float64) error {
	if len(data) == 0 {
		return fmt.Errorf("isolation forest: empty training set")
	}
	width := len(data[0])
	for i, row := range data {
		if len(row) != width {
			return fmt.Errorf("isolation forest: row %d has %d features, want %d", i, len(row), width)
		}
	}

	f.effective = f.subsampleSize
	if len(data) < f.effective {
		f.effective = len(data)
	}

	trees := make([]*treeNode, f.numTrees)
	sample := make([][]float64, f.effective)
	for t := range trees {
		perm := f.rng.Perm(len(data))
		for i := 0; i < f.effective; i++ {
			sample[i] = data[perm[i]]
		}
		trees[t] = f.buildTree(sample, 0)
	}
	f.trees = trees
	return nil
}

func (f *IsolationForest) buildTree(rows [][]float64, depth int) *treeNode {
	if depth >= f.maxDepth || len(rows) <= 1 {
		return &treeNode{Size: len(rows), Depth: depth}
	}

	feature := f.rng.Intn(len(rows[0]))
	minVal, maxVal := rows[0][feature], rows[0][feature]
	for _, row := range rows[1:] {
		if row[feature] < minVal {
			minVal = row[feature]
		}
		if row[feature] > maxVal {
			maxVal = row[feature]
		}
	}
	if minVal == maxVal {
		return &treeNode{Size: len(rows), Depth: depth}
	}

	split := minVal + f.rng.Float64()*(maxVal-minVal)
	var left, right [][]float64
	for _, row := range rows {
		if row[feature] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &treeNode{Size: len(rows), Depth: depth}
	}

	return &treeNode{
		Feature: feature,
		Split:   split,
		Left:    f.buildTree(left, depth+1),
		Right:   f.buildTree(right, depth+1),
	}
}

// Predict scores each row in (0, 1]; higher means easier to isolate. The
// output is index-aligned with the input.
func (f *IsolationForest) Predict(data [][]float64) ([]float64, error) {
	if len(f.trees) == 0 {
		return nil, fmt.Errorf("isolation forest: %w", ErrNotReady)
	}
	norm := averagePathLength(f.effective)
	scores := make([]float64, len(data))
	for i, row := range data {
		var total float64
		for _, root := range f.trees {
			total += pathLength(root, row)
		}
		avg := total / float64(len(f.trees))
		if norm > 0 {
			scores[i] = math.Pow(2, -avg/norm)
		} else {
			scores[i] = 1
		}
	}
	return scores, nil
}

// pathLength walks one tree and adds the unbuilt-subtree estimate at the leaf.
func pathLength(node *treeNode, row []float64) float64 {
	depth := 0
	for !node.leaf() {
		if row[node.Feature] < node.Split {
			node = node.Left
		} else {
			node = node.Right
		}
		depth++
	}
	return float64(depth) + averagePathLength(node.Size)
}

// averagePathLength is the expected path length of an unsuccessful BST search
// over n values, the standard isolation forest normalizer.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerMascheroni) - 2*(fn-1)/fn
}
