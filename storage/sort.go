package storage

import (
	"sort"

	"taskroom/domain"
)

// sortTasks orders newest first, matching the board's display order. IDs
// break ties so the order is stable across fetches.
func sortTasks(tasks []domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt != tasks[j].CreatedAt {
			return tasks[i].CreatedAt > tasks[j].CreatedAt
		}
		return tasks[i].ID < tasks[j].ID
	})
}
