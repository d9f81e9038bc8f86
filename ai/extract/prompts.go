package extract

// Default prompts. Deployments can override them through the environment;
// the structure of the expected JSON must stay intact because the parsers
// below depend on it.

// DefaultFactPrompt asks the model to split text into atomic categorized
// facts. The model answers in the language of the input.
const DefaultFactPrompt = `Extract every independent fact from the following text.

Text:
%s

## Rules:
1. Split complex sentences into simple, self-contained atomic facts.
2. Each fact must be a complete declarative sentence.
3. Drop greetings, filler, and content with no informational value.
4. Keep important information: preferences, experiences, relationships, plans, opinions.
5. Classify each fact: preference, fact, plan, experience, opinion, correction, other.
6. Detect the input language and write the facts in the same language.
7. When the text speaks in first person ("I", "my"), keep the first person.

## Example:
Input: "John works at Google in Mountain View. He loves playing tennis on weekends."
Output: {
  "facts": [
    {"content": "John works at Google", "category": "fact", "importance": "medium"},
    {"content": "John works in Mountain View", "category": "fact", "importance": "medium"},
    {"content": "John loves playing tennis on weekends", "category": "preference", "importance": "medium"}
  ]
}

Input with no usable information: "Hi, nice weather today."
Output: {"facts": []}

Return strictly this JSON shape and nothing else:
{
  "facts": [
    {"content": "...", "category": "...", "importance": "high/medium/low"}
  ]
}`

// DefaultEntityPrompt extracts entities and relations from a fact.
const DefaultEntityPrompt = `Analyze the following text and extract all entities and the relations between them.

Text:
%s

## Rules:
1. Entity types: person, location, organization, skill, hobby, item, event, time.
2. Express relation types as verbs or short phrases (loves, lives_in, works_at).
3. Detect the input language and keep entity and relation names in that language.
4. When the text uses first person ("I", "me", "my"), use "USER_ID" as the entity name.

## Example:
Input: "John lives in New York and works at Microsoft. He enjoys playing basketball."
Output: {
  "entities": [
    {"name": "John", "type": "person"},
    {"name": "New York", "type": "location"},
    {"name": "Microsoft", "type": "organization"},
    {"name": "basketball", "type": "hobby"}
  ],
  "relations": [
    {"source": "John", "target": "New York", "relation": "lives_in"},
    {"source": "John", "target": "Microsoft", "relation": "works_at"},
    {"source": "John", "target": "basketball", "relation": "enjoys"}
  ]
}

Return strictly this JSON shape and nothing else:
{
  "entities": [{"name": "...", "type": "..."}],
  "relations": [{"source": "...", "target": "...", "relation": "..."}]
}`

// DefaultSummaryPrompt condenses a conversation before fact extraction.
const DefaultSummaryPrompt = `Summarize the following content.

Requirements:
1. Keep every important fact (preferences, personal details, work information).
2. Keep concrete times, places, people, and events.
3. Drop small talk, repetition, and irrelevant content.
4. Preserve chronological order and describe it concisely.
5. Do not add explanations or analysis, only summarize.

Content:
%s

Return only the summary text, nothing else.`

// DefaultJudgePrompt drives the reconciliation decision. The judge sees
// the existing memories and the candidate facts, both with numeric ids,
// and every operation it emits names the fact that produced it.
const DefaultJudgePrompt = `You are an intelligent memory manager in charge of a user's memory system.
You can perform four operations: (1) ADD a new memory, (2) UPDATE an existing memory, (3) DELETE a memory, (4) NONE when nothing has to change.

## 1. ADD
Use ADD when the fact carries new information absent from the existing memories.

## 2. UPDATE
Use UPDATE when the fact refines or extends an existing memory, for example it is more specific or more complete. Use the id of the existing memory and put its original text in "old_memory". The rewritten "text" must merge both.

## 3. DELETE
Use DELETE when the fact contradicts an existing memory, meaning the old memory is no longer true. Use the id of the existing memory.

## 4. NONE
Use NONE when the fact duplicates an existing memory or carries no change.

## Constraints:
- Every operation must carry "fact": the id of the candidate fact that produced it.
- UPDATE and DELETE must reference an existing memory id in "id".
- Normally each fact receives one operation. A fact that both contradicts an existing memory and carries new information may receive two: a DELETE of the old memory and an ADD of the new one, both with the same "fact" id.
- Always give a short "reason".

Existing memories:
%s

Candidate facts:
%s

Return strictly this JSON shape and nothing else:
{
  "memory": [
    {
      "fact": "<candidate fact id>",
      "id": "<memory id, only for UPDATE/DELETE>",
      "text": "<memory text>",
      "event": "<ADD/UPDATE/DELETE/NONE>",
      "old_memory": "<only for UPDATE, the original text>",
      "reason": "<short reason>"
    }
  ]
}`
