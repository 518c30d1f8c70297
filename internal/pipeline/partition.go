package pipeline

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/hyperjump/fednlp/internal/nlperr"
	"github.com/hyperjump/fednlp/internal/pipe"
)

// Group is a contiguous run of template components placed on one host.
type Group struct {
	Host  string
	Names []string
}

// Partition returns the placement of the template for input owned by dataOwner. Results are
// cached per owner until the template changes.
func (l *Language) Partition(dataOwner string) ([]Group, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if groups, ok := l.partitions[dataOwner]; ok {
		return groups, nil
	}
	groups, err := l.partitionLocked(dataOwner)
	if err != nil {
		return nil, err
	}
	l.partitions[dataOwner] = groups
	l.metrics.Partitioned()
	l.logger.Debug("partitioned", zap.String("owner", dataOwner), zap.Int("groups", len(groups)))
	return groups, nil
}

// partitionLocked walks the template. A component stays in the current group when the
// group's host may hold it; otherwise a new group opens on the data owner, the deployed-on
// worker, or a selected worker from the access set, in that order of preference.
func (l *Language) partitionLocked(dataOwner string) ([]Group, error) {
	if len(l.template) == 0 {
		return nil, fmt.Errorf("%w: empty pipeline", nlperr.ErrInvalidConfig)
	}
	var known []string
	if l.dir != nil {
		known = l.dir.IDs()
	}
	var groups []Group
	cur := Group{Host: dataOwner}
	for _, e := range l.template {
		if e.Access.Allows(cur.Host, l.owner) {
			cur.Names = append(cur.Names, e.Name)
			continue
		}
		host, err := l.chooseHost(e, dataOwner, known)
		if err != nil {
			return nil, err
		}
		if len(cur.Names) > 0 {
			groups = append(groups, cur)
		}
		cur = Group{Host: host, Names: []string{e.Name}}
	}
	return append(groups, cur), nil
}

func (l *Language) chooseHost(e pipe.Entry, dataOwner string, known []string) (string, error) {
	if e.Access.Allows(dataOwner, l.owner) {
		return dataOwner, nil
	}
	if l.deployedOn != "" && e.Access.Allows(l.deployedOn, l.owner) {
		return l.deployedOn, nil
	}
	var candidates []string
	for _, id := range known {
		if e.Access.Allows(id, l.owner) {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w: %q", nlperr.ErrNoEligibleHost, e.Name)
	}
	sort.Strings(candidates)
	return l.selector.Select(e.Name, candidates), nil
}
