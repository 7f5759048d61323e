// Copyright 2025 Elora App
// SPDX-License-Identifier: Apache-2.0

package chatmodel

import (
	"encoding/json"
	"fmt"
)

// Extras is the JSON blob both stores keep beside the indexed message
// columns: everything sync correctness does not depend on.
type Extras struct {
	Attachments []Reference `json:"attachments,omitempty"`
	Image       *Reference  `json:"image,omitempty"`
	Images      []Reference `json:"images,omitempty"`
	PDF         *Reference  `json:"pdf,omitempty"`
	Artifact    *Reference  `json:"artifact,omitempty"`
	Sources     []Source    `json:"sources,omitempty"`
	HasMetadata bool        `json:"has_metadata,omitempty"`
	Metadata    *Metadata   `json:"metadata,omitempty"`
}

// EncodeExtras serializes m's non-indexed fields.
func EncodeExtras(m *Message) ([]byte, error) {
	e := Extras{
		Attachments: m.Attachments,
		Image:       m.Image,
		Images:      m.Images,
		PDF:         m.PDF,
		Artifact:    m.Artifact,
		Sources:     m.Sources,
		HasMetadata: m.HasMetadata,
		Metadata:    m.Metadata,
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal extras for %s: %w", m.UUID, err)
	}
	return data, nil
}

// DecodeExtras merges a stored extras blob back into m.
func DecodeExtras(m *Message, data []byte) error {
	var e Extras
	if err := json.Unmarshal(data, &e); err != nil {
		return fmt.Errorf("failed to unmarshal extras for %s: %w", m.UUID, err)
	}
	m.Attachments = e.Attachments
	m.Image = e.Image
	m.Images = e.Images
	m.PDF = e.PDF
	m.Artifact = e.Artifact
	m.Sources = e.Sources
	m.HasMetadata = e.HasMetadata
	m.Metadata = e.Metadata
	return nil
}
