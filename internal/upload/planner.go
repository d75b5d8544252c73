package upload

// Plan builds one Pending task per (file, endpoint) pair. Files form the
// outer loop, endpoints the inner one. Empty input yields an empty plan.
func Plan(files []FileHandle, endpoints []Endpoint) []*Task {
	if len(files) == 0 || len(endpoints) == 0 {
		return nil
	}
	tasks := make([]*Task, 0, len(files)*len(endpoints))
	for _, f := range files {
		for _, ep := range endpoints {
			tasks = append(tasks, &Task{File: f, Endpoint: ep, Status: StatusPending})
		}
	}
	return tasks
}

// DedupFiles drops repeated paths, keeping the first occurrence.
func DedupFiles(files []FileHandle) []FileHandle {
	seen := make(map[string]struct{}, len(files))
	out := make([]FileHandle, 0, len(files))
	for _, f := range files {
		if _, ok := seen[f.ID()]; ok {
			continue
		}
		seen[f.ID()] = struct{}{}
		out = append(out, f)
	}
	return out
}
