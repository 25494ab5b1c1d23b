package config

import "testing"

func FuzzLoadFromBytes(f *testing.F) {
	f.Add([]byte(minimalConfig))
	f.Add([]byte(`
server:
  port: 11211
backends:
  - name: a
  - name: b
    type: redis
    addr: "localhost:6379"
pools:
  main: [a, b]
routes:
  - key_prefix: "user:"
    route:
      type: latest
      pool: main
      weights: [0.5, 1]
`))

	// Edge cases
	f.Add([]byte(``))
	f.Add([]byte(`routes: []`))
	f.Add([]byte(`server: { port: 0 }`))
	f.Add([]byte(`routes: [{route: {type: failover, children: [{type: error}]}}]`))
	f.Add([]byte(`routes: [{route: {type: rate_limit, child: {type: rate_limit}}}]`))

	f.Fuzz(func(t *testing.T, data []byte) {
		// LoadFromBytes must never panic regardless of input.
		cfg, err := LoadFromBytes(data)
		if err != nil {
			return
		}
		// If parsing succeeded, verify invariants that validation should enforce.
		if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
			t.Errorf("invalid port escaped validation: %d", cfg.Server.Port)
		}
		if len(cfg.Routes) == 0 {
			t.Error("config without routes escaped validation")
		}
		if cfg.Server.ClientRateLimit.RequestsPerSecond < 0 {
			t.Errorf("negative rps escaped validation: %f", cfg.Server.ClientRateLimit.RequestsPerSecond)
		}
		if cfg.Congestion.QueueSize < 1 {
			t.Errorf("non-positive congestion queue escaped validation: %d", cfg.Congestion.QueueSize)
		}
	})
}
