// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"ulir/internal/model"
)

// fingerprintForm is the canonical JSON shape hashed to produce a
// fingerprint (spec §6). Field order is fixed by struct declaration order,
// which is Go's equivalent of "JSON with sorted keys" for a closed field
// set — no map is involved so there is no ambiguity to sort away.
type fingerprintForm struct {
	Prompt      string  `json:"prompt"`
	ModelID     string  `json:"model_id"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	TopK        int     `json:"top_k"`
}

// Fingerprint computes the stable cache key for a request against a
// resolved model id. Only the fields affecting determinism participate;
// stop-sequences, priority, stream and deadline are excluded per spec.
func Fingerprint(req *model.Request, modelID string) string {
	form := fingerprintForm{
		Prompt:      req.Prompt,
		ModelID:     modelID,
		MaxTokens:   req.Params.MaxTokens,
		Temperature: req.Params.Temperature,
		TopP:        req.Params.TopP,
		TopK:        req.Params.TopK,
	}
	b, _ := json.Marshal(form)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]) // 256 bits, well above the 128-bit minimum
}
