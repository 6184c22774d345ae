// Package template generates source presets for common camera setups.
package template

import (
	"encoding/json"
	"fmt"

	"github.com/loykin/streamvisor/pkg/client"
)

// TemplateType names a preset.
type TemplateType string

const (
	TypeLive      TemplateType = "live"
	TypeFLV       TemplateType = "flv"
	TypeHLS       TemplateType = "hls"
	TypeWeb       TemplateType = "web"
	TypeRecord    TemplateType = "record"
	TypeNVR       TemplateType = "nvr"
	TypeAnalytics TemplateType = "analytics"
	TypeAI        TemplateType = "ai"
	TypeRealtime  TemplateType = "realtime"
	TypeFull      TemplateType = "full"
)

// Generator provides template generation functionality
type Generator struct{}

func NewGenerator() *Generator {
	return &Generator{}
}

// Generate returns the preset for templateType. Fields a preset leaves at
// their zero value keep the server defaults when the source is added.
func (g *Generator) Generate(templateType TemplateType, id, address string) (*client.Source, error) {
	src := client.NewSource(id, address)
	switch templateType {
	case TypeLive, TypeFLV:
		src.MSType = client.RelayGo2RTC
	case TypeHLS, TypeWeb:
		src.MSType = client.RelaySRS
		src.StreamType = 1
		src.HLSTime = 2
		src.HLSListSize = 5
	case TypeRecord, TypeNVR:
		src.MSType = client.RelaySRS
		src.RecordEnabled = true
		src.RecordSegmentInterval = 60
	case TypeAnalytics, TypeAI:
		src.MSType = client.RelayLiveGo
		src.ReaderEnabled = true
		src.ReaderFrameRate = 2
		src.SnapshotEnabled = true
	case TypeRealtime:
		src.MSType = client.RelaySRSRealtime
		src.RTSPTransport = "tcp"
	case TypeFull:
		src.MSType = client.RelaySRS
		src.StreamType = 1
		src.RecordEnabled = true
		src.ReaderEnabled = true
		src.SnapshotEnabled = true
	default:
		return nil, fmt.Errorf("unknown template type: %s (supported: live, hls, record, analytics, realtime, full)", templateType)
	}
	return &src, nil
}

// GenerateJSON creates a JSON representation of the template
func (g *Generator) GenerateJSON(templateType TemplateType, id, address string) ([]byte, error) {
	src, err := g.Generate(templateType, id, address)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(src, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal template: %w", err)
	}
	return data, nil
}

// GetSupportedTypes returns the canonical preset names, aliases excluded.
func (g *Generator) GetSupportedTypes() []string {
	return []string{
		string(TypeLive),
		string(TypeHLS),
		string(TypeRecord),
		string(TypeAnalytics),
		string(TypeRealtime),
		string(TypeFull),
	}
}
