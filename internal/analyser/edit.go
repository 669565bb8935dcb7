// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package analyser

import "github.com/nishisan-dev/rproxy/internal/ichan"

// headerEditor applies a sequence of Buffer.Replace calls against offsets
// computed from the original, unrewritten message layout, tracking the
// cumulative length delta so later calls in the same pass still target the
// right bytes after earlier ones have shifted the output region.
type headerEditor struct {
	ch    *ichan.Channel
	delta int
}

func (e *headerEditor) replace(start, end int, newData []byte) error {
	d, err := e.ch.Buffer().Replace(start+e.delta, end+e.delta, newData)
	if err != nil {
		return err
	}
	e.delta += d
	return nil
}
