package memory

import (
	"fmt"
	"strings"

	"github.com/FalkorDB/falkordb-go"
	"github.com/rs/zerolog/log"
)

// Falkor stores memory in a FalkorDB knowledge graph. All failures are
// logged and swallowed so a missing or unhealthy graph never breaks a
// conversation or task.
type Falkor struct {
	graph    *falkordb.Graph
	userID   string
	userName string
}

// NewFalkor connects to FalkorDB and ensures the user node exists.
func NewFalkor(addr, graphName, userID, userName string) (*Falkor, error) {
	db, err := falkordb.FalkorDBNew(&falkordb.ConnectionOption{Addr: addr})
	if err != nil {
		return nil, fmt.Errorf("connect falkordb: %w", err)
	}

	graph := db.SelectGraph(graphName)
	f := &Falkor{graph: graph, userID: userID, userName: userName}

	if _, err := f.graph.Query(
		"MERGE (u:User {id: $id}) SET u.name = $name",
		map[string]interface{}{"id": userID, "name": userName},
		nil,
	); err != nil {
		return nil, fmt.Errorf("ensure user node: %w", err)
	}
	return f, nil
}

// Context returns recent facts and browser task outcomes formatted for
// prompt injection. Returns "" on any failure.
func (f *Falkor) Context() string {
	var lines []string

	res, err := f.graph.Query(
		"MATCH (u:User {id: $id})-[:KNOWS]->(fact:Fact) RETURN fact.content ORDER BY fact.at DESC LIMIT 25",
		map[string]interface{}{"id": f.userID},
		nil,
	)
	if err != nil {
		log.Warn().Err(err).Msg("Memory context query failed")
		return ""
	}
	for res.Next() {
		if content, ok := res.Record().GetByIndex(0).(string); ok && content != "" {
			lines = append(lines, "- "+content)
		}
	}

	res, err = f.graph.Query(
		"MATCH (u:User {id: $id})-[:PERFORMED]->(t:BrowserTask) RETURN t.task, t.result ORDER BY t.at DESC LIMIT 5",
		map[string]interface{}{"id": f.userID},
		nil,
	)
	if err == nil {
		for res.Next() {
			record := res.Record()
			task, _ := record.GetByIndex(0).(string)
			result, _ := record.GetByIndex(1).(string)
			if task != "" {
				lines = append(lines, fmt.Sprintf("- Past browser task %q: %s", task, result))
			}
		}
	}

	if len(lines) == 0 {
		return ""
	}
	return fmt.Sprintf("Known about %s:\n%s", f.userName, strings.Join(lines, "\n"))
}

// AddMessage records a conversation message against the user node.
func (f *Falkor) AddMessage(role, content string) {
	if content == "" {
		return
	}
	_, err := f.graph.Query(
		"MATCH (u:User {id: $id}) CREATE (u)-[:SAID]->(:Message {role: $role, content: $content, at: timestamp()})",
		map[string]interface{}{"id": f.userID, "role": role, "content": content},
		nil,
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to store message in memory graph")
	}
}

// StoreBrowserResult records a completed browser task outcome.
func (f *Falkor) StoreBrowserResult(task, result string, success bool) {
	_, err := f.graph.Query(
		"MATCH (u:User {id: $id}) CREATE (u)-[:PERFORMED]->(:BrowserTask {task: $task, result: $result, success: $success, at: timestamp()})",
		map[string]interface{}{"id": f.userID, "task": task, "result": result, "success": success},
		nil,
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to store browser result in memory graph")
	}
}

// StoreFacts upserts extracted facts, keyed by content.
func (f *Falkor) StoreFacts(facts []Fact) {
	for _, fact := range facts {
		if fact.Content == "" {
			continue
		}
		_, err := f.graph.Query(
			"MATCH (u:User {id: $id}) MERGE (u)-[:KNOWS]->(fact:Fact {content: $content}) "+
				"SET fact.type = $type, fact.confidence = $confidence, fact.at = timestamp()",
			map[string]interface{}{
				"id":         f.userID,
				"content":    fact.Content,
				"type":       string(fact.Type),
				"confidence": fact.Confidence,
			},
			nil,
		)
		if err != nil {
			log.Warn().Err(err).Str("fact", fact.Content).Msg("Failed to store extracted fact")
		}
	}
}
