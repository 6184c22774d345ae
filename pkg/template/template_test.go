package template

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/loykin/streamvisor/pkg/client"
)

func TestGenerator_Generate(t *testing.T) {
	generator := NewGenerator()

	tests := []struct {
		name         string
		templateType TemplateType
		expectError  bool
		validate     func(*testing.T, *client.Source)
	}{
		{
			name:         "live_template",
			templateType: TypeLive,
			validate: func(t *testing.T, src *client.Source) {
				if src.MSType != client.RelayGo2RTC || src.StreamType != 0 {
					t.Errorf("unexpected relay/stream type: %d/%d", src.MSType, src.StreamType)
				}
				if src.RecordEnabled || src.ReaderEnabled || src.SnapshotEnabled {
					t.Error("live preset should not enable downstream subprocesses")
				}
			},
		},
		{
			name:         "hls_template",
			templateType: TypeHLS,
			validate: func(t *testing.T, src *client.Source) {
				if src.StreamType != 1 || src.HLSListSize != 5 {
					t.Errorf("unexpected hls settings: %+v", src)
				}
			},
		},
		{
			name:         "nvr_alias",
			templateType: TypeNVR,
			validate: func(t *testing.T, src *client.Source) {
				if !src.RecordEnabled || src.RecordSegmentInterval != 60 {
					t.Errorf("unexpected record settings: %+v", src)
				}
			},
		},
		{
			name:         "analytics_template",
			templateType: TypeAnalytics,
			validate: func(t *testing.T, src *client.Source) {
				if src.MSType != client.RelayLiveGo {
					t.Errorf("expected livego relay, got %d", src.MSType)
				}
				if !src.ReaderEnabled || !src.SnapshotEnabled {
					t.Error("expected reader and snapshot")
				}
			},
		},
		{
			name:         "realtime_template",
			templateType: TypeRealtime,
			validate: func(t *testing.T, src *client.Source) {
				if src.MSType != client.RelaySRSRealtime || src.RTSPTransport != "tcp" {
					t.Errorf("unexpected realtime settings: %+v", src)
				}
			},
		},
		{
			name:         "unknown_type",
			templateType: TemplateType("ptz"),
			expectError:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := generator.Generate(tt.templateType, "cam-1", "rtsp://10.0.0.5/live")
			if tt.expectError {
				if err == nil {
					t.Fatal("expected error")
				}
				if !strings.Contains(err.Error(), "unknown template type") {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if src.ID != "cam-1" || src.Address != "rtsp://10.0.0.5/live" || !src.Enabled {
				t.Errorf("identity not carried: %+v", src)
			}
			tt.validate(t, src)
		})
	}
}

func TestGenerator_GenerateJSON(t *testing.T) {
	data, err := NewGenerator().GenerateJSON(TypeFull, "cam-2", "rtsp://10.0.0.6/live")
	if err != nil {
		t.Fatalf("GenerateJSON: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	for _, key := range []string{"id", "address", "record_enabled", "reader_enabled", "snapshot_enabled"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing %s", key)
		}
	}
	// unset fields are omitted so the server keeps its defaults
	if _, ok := m["record_segment_interval"]; ok {
		t.Error("record_segment_interval should be omitted")
	}
}

func TestGenerator_GetSupportedTypes(t *testing.T) {
	g := NewGenerator()
	types := g.GetSupportedTypes()
	if len(types) != 6 {
		t.Fatalf("expected 6 types, got %d", len(types))
	}
	for _, typ := range types {
		if _, err := g.Generate(TemplateType(typ), "x", "rtsp://x"); err != nil {
			t.Errorf("supported type %s fails: %v", typ, err)
		}
	}
}
