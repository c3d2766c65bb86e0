package mcpserver

func floatPtr(f float64) *float64 { return &f }

// toolDefinitions returns the six MCP tools this server exposes.
func toolDefinitions() []Tool {
	return []Tool{
		{
			Name:        "search_memory",
			Description: "Run the tiered search_advanced retrieval pipeline (keyword, semantic, or hybrid) over stored memories",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"query":                {Type: "string", Description: "The search query text"},
					"mode":                 {Type: "string", Description: "keyword, semantic, or hybrid", Enum: []string{"keyword", "semantic", "hybrid"}, Default: "hybrid"},
					"max_results":          {Type: "integer", Description: "Maximum number of results to return", Default: 10, Minimum: floatPtr(1), Maximum: floatPtr(100)},
					"candidate_multiplier": {Type: "integer", Description: "Candidate pool size as a multiple of max_results"},
					"domain":               {Type: "string", Description: "Restrict to a single domain"},
					"path_prefix":          {Type: "string", Description: "Restrict to paths under this prefix"},
					"max_priority":         {Type: "integer", Description: "Exclude memories with priority above this value"},
					"intent_profile":       {Type: "string", Description: "Pin a strategy template by name (factual_high_precision, exploratory_high_recall, temporal_time_filtered, causal_wide_pool, default)"},
				},
				Required: []string{"query"},
			},
		},
		{
			Name:        "compact_context",
			Description: "Produce a compact gist for a memory node, reusing its stored gist or generating one from the node and its children on demand",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"path":      {Type: "string", Description: "Path of the node to compact"},
					"domain":    {Type: "string", Description: "Domain of the node", Default: "core"},
					"max_words": {Type: "integer", Description: "Accepted but not applied; on-demand gists use a fixed 60-word limit", Default: 60},
				},
				Required: []string{"path"},
			},
		},
		{
			Name:        "create_memory",
			Description: "Create a new memory node, subject to write-admission guard evaluation",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"parent_path": {Type: "string", Description: "Path of the parent node"},
					"title":       {Type: "string", Description: "Short name for the new path segment"},
					"content":     {Type: "string", Description: "The memory content"},
					"priority":    {Type: "integer", Description: "Priority (1 highest, 10 lowest)", Default: 5, Minimum: floatPtr(1), Maximum: floatPtr(10)},
					"disclosure":  {Type: "string", Description: "Optional disclosure/visibility tag"},
					"domain":      {Type: "string", Description: "Domain to create under", Default: "core"},
				},
				Required: []string{"content"},
			},
		},
		{
			Name:        "update_memory",
			Description: "Update a memory's content and/or metadata, subject to write-admission guard evaluation for content changes",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"path":       {Type: "string", Description: "Path of the node to update"},
					"domain":     {Type: "string", Description: "Domain of the node", Default: "core"},
					"content":    {Type: "string", Description: "New content; omit for a metadata-only update"},
					"priority":   {Type: "integer", Description: "New priority"},
					"disclosure": {Type: "string", Description: "New disclosure/visibility tag"},
				},
				Required: []string{"path"},
			},
		},
		{
			Name:        "read_memory",
			Description: "Read a memory node by path, including its aliases, gist, and children",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"path":   {Type: "string", Description: "Path of the node to read; omit for the domain root"},
					"domain": {Type: "string", Description: "Domain of the node", Default: "core"},
				},
			},
		},
		{
			Name:        "rebuild_index",
			Description: "Enqueue a background rebuild_index job on the index worker",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"reason": {Type: "string", Description: "Reason recorded against the job, for observability"},
				},
			},
		},
	}
}
