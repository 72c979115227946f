package llm

const semanticExtractionPrompt = `You are the consolidation stage of an agent memory system. Below is a cluster of related episodic events. Distill them into durable knowledge records.

For each record, determine:
- memory_type: one of "fact", "pattern", "insight", "rule"
- content: one clear, self-contained statement (no pronouns without referents)
- confidence: 0.0-1.0 based on how strongly the events support it
- source_indices: which events (by their [n] index) support this record

Prefer few strong records over many weak ones. A repeated behavior across events is a "pattern"; a conclusion that explains events is an "insight"; a stable constraint is a "rule".

Respond ONLY with a JSON array. No markdown, no explanation. Example:
[{"memory_type":"pattern","content":"Deploys to staging fail when migrations are pending","confidence":0.8,"source_indices":[0,2]}]

If nothing durable can be distilled, respond with an empty array: []

Events:
%s`

const graphExtractionPrompt = `Extract entities and relations from this content.

Content: %s

For each entity:
1. name: canonical name (short, consistent casing)
2. entity_type: one of "person", "organization", "tool", "concept", "file", "service", "location", "other"
3. summary: optional one-line description

For each relation between extracted entities:
1. from / to: entity names exactly as listed above
2. relation_type: one of "depends_on", "causes", "part_of", "uses", "produces", "related_to", "similar_to", "co_occurs_with", "contradicts", "supersedes"
3. weight: 0.0-1.0 strength of the relation

Respond ONLY with JSON, no markdown fences:
{"entities":[{"name":"auth-service","entity_type":"service","summary":"handles login"}],"relations":[{"from":"auth-service","to":"postgres","relation_type":"depends_on","weight":0.9}]}

If nothing found, respond: {"entities":[],"relations":[]}`

const summarizeTextsPrompt = `You are a memory summarizer. Produce a single concise summary that captures the key information across these items. The summary must be shorter than the input and eliminate redundancy.

Items:
%s

Respond with ONLY the summary text. No explanation, no formatting.`

const queryExpansionPrompt = `Rewrite this search query as %d alternative phrasings that could match relevant memories the original wording would miss. Vary vocabulary and specificity; keep the intent.

Query: %s

Respond ONLY with a JSON array of strings, no markdown:
["alternative one", "alternative two"]`
