package ai

import (
	"context"
	"testing"
)

// TestNewVertexAIClientConfiguration exercises default-filling behavior.
// A config with no API key falls back to application-default credentials,
// which this test environment does not have, so client construction may
// fail — but the config-defaulting logic must still run ahead of that.
func TestNewVertexAIClientConfiguration(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name                 string
		config               *ClientConfig
		expectedEmbedModel   string
		expectedSummaryModel string
		expectedDim          int
	}{
		{
			name:                 "defaults",
			config:               &ClientConfig{APIKey: "test-api-key"},
			expectedEmbedModel:   "text-embedding-005",
			expectedSummaryModel: "gemini-2.0-flash",
			expectedDim:          768,
		},
		{
			name: "explicit overrides",
			config: &ClientConfig{
				APIKey:       "test-api-key",
				EmbedModel:   "custom-embed-model",
				SummaryModel: "custom-summary-model",
				Dim:          1024,
			},
			expectedEmbedModel:   "custom-embed-model",
			expectedSummaryModel: "custom-summary-model",
			expectedDim:          1024,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _ = NewVertexAIClient(ctx, tt.config)
			if tt.config.EmbedModel != tt.expectedEmbedModel {
				t.Errorf("embed model = %q, want %q", tt.config.EmbedModel, tt.expectedEmbedModel)
			}
			if tt.config.SummaryModel != tt.expectedSummaryModel {
				t.Errorf("summary model = %q, want %q", tt.config.SummaryModel, tt.expectedSummaryModel)
			}
			if tt.config.Dim != tt.expectedDim {
				t.Errorf("dim = %d, want %d", tt.config.Dim, tt.expectedDim)
			}
		})
	}
}

func TestNewVertexAIClientNilConfig(t *testing.T) {
	_, err := NewVertexAIClient(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error for nil config")
	}
}
