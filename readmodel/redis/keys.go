package redis

import (
	"fmt"

	"github.com/google/uuid"
)

func workflowKey(prefix string, id uuid.UUID) string {
	return workflowKeyFromSegment(prefix, id.String())
}

func workflowKeyFromSegment(prefix, segment string) string {
	return fmt.Sprintf("%vworkflow:%v", prefix, segment)
}

func taskKey(prefix string, id uuid.UUID) string {
	return taskKeyFromSegment(prefix, id.String())
}

func taskKeyFromSegment(prefix, segment string) string {
	return fmt.Sprintf("%vtask:%v", prefix, segment)
}

// workflowTasksKey returns the key for the ZSET holding one workflow's task
// ids, scored by task creation time.
func workflowTasksKey(prefix string, workflowID uuid.UUID) string {
	return fmt.Sprintf("%vworkflow-tasks:%v", prefix, workflowID)
}

// workflowsByCreation returns the key for the ZSET that holds all workflow
// ids scored by creation time. Used for listing.
func workflowsByCreation(prefix string) string {
	return prefix + "workflows-by-creation"
}

func tasksByCreation(prefix string) string {
	return prefix + "tasks-by-creation"
}

func lastUpdatedKey(prefix string) string {
	return prefix + "last-updated"
}
