package anthropic

// BuildCachedSystemBlocks wraps a system prompt in a single block with a
// cache breakpoint. Stage prompts are identical across every chunk and case
// of a batch, so later calls read the prompt from cache.
func BuildCachedSystemBlocks(text string) []SystemBlock {
	if text == "" {
		return nil
	}
	return []SystemBlock{
		{
			Text: text,
			CacheControl: &CacheControl{
				TTL: "5m",
			},
		},
	}
}
