package onnxmodel

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/straja-ai/sentiment/internal/sentiment"
)

type modelMeta struct {
	Name      string
	RawLabels []string
	NumLabels int
}

// loadMeta reads the label order from config.json (id2label / label2id) and
// lets label_map.json override it when present.
func loadMeta(dir string) (modelMeta, error) {
	meta := modelMeta{}

	if data, err := os.ReadFile(filepath.Join(dir, "config.json")); err == nil {
		var cfg struct {
			NameOrPath string            `json:"_name_or_path"`
			NumLabels  int               `json:"num_labels"`
			ID2Label   map[string]string `json:"id2label"`
			Label2ID   map[string]int    `json:"label2id"`
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return meta, fmt.Errorf("decode config.json: %w", err)
		}
		meta.Name = cfg.NameOrPath
		meta.NumLabels = cfg.NumLabels
		labels, err := labelsFromIDMap(cfg.ID2Label)
		if err != nil {
			return meta, fmt.Errorf("config.json id2label: %w", err)
		}
		if len(labels) == 0 && len(cfg.Label2ID) > 0 {
			inverted := make(map[string]string, len(cfg.Label2ID))
			for lbl, id := range cfg.Label2ID {
				inverted[strconv.Itoa(id)] = lbl
			}
			if labels, err = labelsFromIDMap(inverted); err != nil {
				return meta, fmt.Errorf("config.json label2id: %w", err)
			}
		}
		meta.RawLabels = labels
	} else if !errors.Is(err, os.ErrNotExist) {
		return meta, fmt.Errorf("read config.json: %w", err)
	}

	if data, err := os.ReadFile(filepath.Join(dir, "label_map.json")); err == nil {
		labels, err := decodeLabelMap(data)
		if err != nil {
			return meta, fmt.Errorf("label_map.json: %w", err)
		}
		meta.RawLabels = labels
	}

	if len(meta.RawLabels) > 0 {
		meta.NumLabels = len(meta.RawLabels)
	}
	return meta, nil
}

func decodeLabelMap(data []byte) ([]string, error) {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil && len(list) > 0 {
		return list, nil
	}
	var idMap map[string]string
	if err := json.Unmarshal(data, &idMap); err != nil {
		return nil, err
	}
	return labelsFromIDMap(idMap)
}

// labelsFromIDMap orders {"0": "NEGATIVE", "1": "POSITIVE"} into a dense slice.
func labelsFromIDMap(id2label map[string]string) ([]string, error) {
	if len(id2label) == 0 {
		return nil, nil
	}
	out := make([]string, len(id2label))
	for k, v := range id2label {
		idx, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			return nil, fmt.Errorf("invalid label index %q: %w", k, err)
		}
		if idx < 0 || idx >= len(out) {
			return nil, fmt.Errorf("label index %d out of range", idx)
		}
		out[idx] = v
	}
	return out, nil
}

// resolveLabels maps raw model labels onto the closed sentiment label set.
// A model with no label metadata and two outputs is assumed to be SST-2 ordered.
func resolveLabels(raw []string, numOutputs int) ([]sentiment.Label, error) {
	if len(raw) == 0 {
		if numOutputs != 2 {
			return nil, fmt.Errorf("no label metadata and %d outputs; provide config.json id2label", numOutputs)
		}
		return []sentiment.Label{sentiment.Negative, sentiment.Positive}, nil
	}
	labels := make([]sentiment.Label, len(raw))
	for i, r := range raw {
		lbl, err := sentiment.ParseLabel(r)
		if err != nil {
			return nil, fmt.Errorf("label %d: %w", i, err)
		}
		labels[i] = lbl
	}
	return labels, nil
}
