package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:            "~/.rsagent",
			LogLevel:           "info",
			TurnTimeoutSeconds: 180,
			HistoryWindow:      6,
		},
		LLM: LLMConfig{
			FailoverChain: []string{"ollama"},
			Providers: map[string]ProviderConfig{
				"ollama": {
					Enabled: true,
					Kind:    "ollama",
					APIBase: "http://localhost:11434",
					Model:   "llama3.1:8b",
				},
			},
			TimeoutSeconds:  60,
			CooldownSeconds: 30,
		},
		Embedding: EmbeddingConfig{
			Candidates:          defaultEmbeddingCandidates(),
			TimeoutSeconds:      20,
			RecheckAfterSeconds: 30,
		},
		Knowledge: KnowledgeConfig{
			ChunkSize:         512,
			ChunkOverlap:      50,
			SearchTopK:        5,
			IngestConcurrency: 4,
			Persist:           true,
		},
		Jobs: JobsConfig{
			APIBase:           "http://localhost:8000",
			TimeoutSeconds:    30,
			RequestsPerSecond: 2,
			Burst:             1,
			MaxAttempts:       3,
		},
		Memory: MemoryConfig{
			DBPath:        "~/.rsagent/rsagent.db",
			RetentionDays: 90,
		},
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8080,
			ProgressPath: "/ws/progress",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}

// defaultEmbeddingCandidates mirrors the sentence-transformer priority list
// served through a local Ollama instance.
func defaultEmbeddingCandidates() []EmbeddingCandidate {
	models := []string{
		"all-minilm:l6-v2",
		"paraphrase-multilingual",
		"nomic-embed-text",
	}
	out := make([]EmbeddingCandidate, 0, len(models))
	for _, m := range models {
		out = append(out, EmbeddingCandidate{
			Backend: "ollama",
			Model:   m,
			APIBase: "http://localhost:11434",
		})
	}
	return out
}
