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

package peer

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"

	"gonum.org/v1/gonum/mat"
)

// MatrixDataSource is an in-memory DataSource, used by tests and by
// callers that already hold their row block as a *mat.Dense.
type MatrixDataSource struct {
	Data   *mat.Dense
	Labels []float64
}

func (d MatrixDataSource) OwnData() *mat.Dense  { return d.Data }
func (d MatrixDataSource) OwnLabels() []float64 { return d.Labels }

// DataSourceFromCSV loads a peer's row block from a headerless CSV file,
// the Go analogue of the reference implementation's
// Peer.fromfile(pandas.read_csv(...)) constructor. startRow skips leading
// data rows; nRows limits how many rows are read (0 means "all remaining
// rows").
func DataSourceFromCSV(path string, startRow, nRows int) (*MatrixDataSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	for i := 0; i < startRow; i++ {
		if _, err := r.Read(); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
	}

	var rows [][]float64
	for nRows == 0 || len(rows) < nRows {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		row := make([]float64, len(record))
		for i, field := range record {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, err
			}
			row[i] = v
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return &MatrixDataSource{Data: mat.NewDense(0, 0, nil)}, nil
	}
	d := mat.NewDense(len(rows), len(rows[0]), nil)
	for i, row := range rows {
		d.SetRow(i, row)
	}
	return &MatrixDataSource{Data: d}, nil
}
