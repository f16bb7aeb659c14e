package adapter

import (
	"encoding/json"

	"github.com/stormlightlabs/agentv/internal/model"
)

// ThreadNode is one journal entry placed in its conversation tree.
type ThreadNode struct {
	UUID       string
	ParentUUID string
	Event      model.Event
}

// Thread is a root entry plus all of its descendants in parse order.
type Thread struct {
	Root  ThreadNode
	Nodes []ThreadNode
}

// BuildThreads reconstructs conversation threads from the uuid and
// parentUuid fields carried in Claude journal entries. It is a second
// pass over already-parsed events and is not required for ingestion.
//
// Nodes are collected into one ordered arena first; an entry is a root
// when its parent is absent or not among the collected ids, so threads
// survive truncated journals whose earliest entries are missing.
func BuildThreads(events []model.Event) []Thread {
	nodes := make([]ThreadNode, 0, len(events))
	known := make(map[string]bool, len(events))

	for _, ev := range events {
		var ids struct {
			UUID       string `json:"uuid"`
			ParentUUID string `json:"parentUuid"`
		}
		if err := json.Unmarshal(ev.RawPayload, &ids); err != nil || ids.UUID == "" {
			continue
		}
		nodes = append(nodes, ThreadNode{UUID: ids.UUID, ParentUUID: ids.ParentUUID, Event: ev})
		known[ids.UUID] = true
	}

	children := make(map[string][]int, len(nodes))
	var rootIdx []int
	for i, n := range nodes {
		if n.ParentUUID == "" || !known[n.ParentUUID] {
			rootIdx = append(rootIdx, i)
			continue
		}
		children[n.ParentUUID] = append(children[n.ParentUUID], i)
	}

	threads := make([]Thread, 0, len(rootIdx))
	for _, ri := range rootIdx {
		thread := Thread{Root: nodes[ri]}
		stack := []int{ri}
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			thread.Nodes = append(thread.Nodes, nodes[i])
			kids := children[nodes[i].UUID]
			for k := len(kids) - 1; k >= 0; k-- {
				stack = append(stack, kids[k])
			}
		}
		threads = append(threads, thread)
	}
	return threads
}
