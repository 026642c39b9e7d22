// Copyright (c) The IoTGrid Authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package detector

import (
	"testing"

	"github.com/iotgrid/telemetry-pipeline/pkg/schema"
	"github.com/stretchr/testify/assert"
)

func TestRegistry(t *testing.T) {
	t.Run("delegates to the configured detector", func(t *testing.T) {
		z := NewZScoreDetector(200, 3.0)
		r := NewRegistry(z, schema.DetectorZScore)

		assert.Equal(t, schema.DetectorZScore, r.Kind())

		results, kind := r.ScoreBatch("dev-1", []schema.Point{point(20)})
		assert.Equal(t, schema.DetectorZScore, kind)
		assert.Len(t, results, 1)
	})
}
