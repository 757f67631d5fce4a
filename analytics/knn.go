// Copyright © 2023 AMIS Technologies
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package analytics contains the downstream consumers of an assembled
// Gram matrix. Distances between samples are recovered from inner
// products by the polarization identity
// dist(i,j)^2 = G[i,i] + G[j,j] - 2*G[i,j], so every score here works
// without ever seeing the raw rows.
package analytics

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/combin"
)

var (
	// ErrNotSquare is returned when the given Gram matrix is not square.
	ErrNotSquare = errors.New("analytics: gram matrix must be square")
	// ErrInvalidK is returned when k is outside [1, nbSamples-1].
	ErrInvalidK = errors.New("analytics: k must be in [1, number of samples - 1]")
)

// KNNOutlierDetection holds the pairwise distance matrix derived from a
// Gram matrix plus, per sample, the other samples sorted by distance.
// Index 0 of each neighbor list is the sample itself (distance zero).
type KNNOutlierDetection struct {
	nbSamples int
	distances *mat.Dense
	knn       [][]int
}

// NewKNNOutlierDetection derives distances and neighbor orderings from
// gram.
func NewKNNOutlierDetection(gram mat.Matrix) (*KNNOutlierDetection, error) {
	n, m := gram.Dims()
	if n != m {
		return nil, ErrNotSquare
	}

	distances := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			sq := gram.At(i, i) + gram.At(j, j) - 2*gram.At(i, j)
			// sq can dip slightly below zero from floating-point noise.
			if sq < 0 {
				sq = 0
			}
			distances.Set(i, j, math.Sqrt(sq))
		}
	}

	knn := make([][]int, n)
	for i := 0; i < n; i++ {
		order := make([]int, n)
		for j := range order {
			order[j] = j
		}
		row := distances.RawRowView(i)
		sort.SliceStable(order, func(a, b int) bool {
			return row[order[a]] < row[order[b]]
		})
		knn[i] = order
	}

	return &KNNOutlierDetection{nbSamples: n, distances: distances, knn: knn}, nil
}

// Distances returns the derived pairwise distance matrix.
func (d *KNNOutlierDetection) Distances() *mat.Dense {
	return d.distances
}

func (d *KNNOutlierDetection) checkK(k int) error {
	if k < 1 || k >= d.nbSamples {
		return ErrInvalidK
	}
	return nil
}

// SimpleScore scores each sample by its distance to its k-th nearest
// neighbor.
func (d *KNNOutlierDetection) SimpleScore(k int) ([]float64, error) {
	if err := d.checkK(k); err != nil {
		return nil, err
	}
	scores := make([]float64, d.nbSamples)
	for i := 0; i < d.nbSamples; i++ {
		scores[i] = d.distances.At(i, d.knn[i][k])
	}
	return scores, nil
}

// WeightedScore scores each sample by the sum of its distances to its k
// nearest neighbors.
func (d *KNNOutlierDetection) WeightedScore(k int) ([]float64, error) {
	if err := d.checkK(k); err != nil {
		return nil, err
	}
	scores := make([]float64, d.nbSamples)
	for i := 0; i < d.nbSamples; i++ {
		scores[i] = d.knnDistSum(i, k)
	}
	return scores, nil
}

// LDOFScore computes the local distance-based outlier factor: the mean
// k-NN distance of a sample divided by the mean pairwise distance among
// its k nearest neighbors.
func (d *KNNOutlierDetection) LDOFScore(k int) ([]float64, error) {
	if err := d.checkK(k); err != nil {
		return nil, err
	}
	if k < 2 {
		// The inner mean ranges over neighbor pairs, so at least two
		// neighbors are needed.
		return nil, ErrInvalidK
	}

	pairs := combin.Combinations(k, 2)
	nbPairs := float64(k * (k - 1) / 2)

	scores := make([]float64, d.nbSamples)
	for i := 0; i < d.nbSamples; i++ {
		inner := 0.0
		for _, pair := range pairs {
			n1 := d.knn[i][pair[0]+1]
			n2 := d.knn[i][pair[1]+1]
			inner += d.distances.At(n1, n2)
		}
		inner /= nbPairs
		scores[i] = d.knnDistSum(i, k) / float64(k) / inner
	}
	return scores, nil
}

// LOFScore computes the local outlier factor with reachability distances
// taken at the k-th neighbor.
func (d *KNNOutlierDetection) LOFScore(k int) ([]float64, error) {
	if err := d.checkK(k); err != nil {
		return nil, err
	}

	// Inverse local reachability density, up to the common 1/k factor
	// which cancels in the final ratio.
	lrdInv := make([]float64, d.nbSamples)
	for i := 0; i < d.nbSamples; i++ {
		for _, n := range d.knn[i][1 : k+1] {
			reach := d.distances.At(n, d.knn[n][k])
			if dist := d.distances.At(i, n); dist > reach {
				reach = dist
			}
			lrdInv[i] += reach
		}
	}

	scores := make([]float64, d.nbSamples)
	for i := 0; i < d.nbSamples; i++ {
		for _, n := range d.knn[i][1 : k+1] {
			scores[i] += lrdInv[i] / lrdInv[n]
		}
		scores[i] /= float64(k)
	}
	return scores, nil
}

// knnDistSum sums the distances from sample i to its k nearest
// neighbors, the self-match at rank 0 excluded.
func (d *KNNOutlierDetection) knnDistSum(i, k int) float64 {
	sum := 0.0
	for _, n := range d.knn[i][1 : k+1] {
		sum += d.distances.At(i, n)
	}
	return sum
}
