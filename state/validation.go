package state

import (
	"fmt"
	"regexp"
	"slices"
)

var namePattern, _ = regexp.Compile("^[0-9a-z._-]+$")

func NameValidator(s string) error {
	if !namePattern.MatchString(s) {
		return fmt.Errorf("%s is not a valid name, must match pattern %s", s, namePattern.String())
	}
	if len(s) > 100 {
		return fmt.Errorf("len(\"%s\") = %d > 100 is too long", s, len(s))
	}
	return nil
}

func NodeConfigValidator(node *LocalCfg) error {
	err := NameValidator(string(node.Id))
	if err != nil {
		return err
	}
	if node.FragmentSize < 0 {
		return fmt.Errorf("node.FragmentSize must not be negative")
	}
	if node.RetryBound < 0 {
		return fmt.Errorf("node.RetryBound must not be negative")
	}
	return nil
}

func CentralConfigValidator(cfg *CentralCfg) error {
	seen := make([]NodeId, 0, len(cfg.Nodes))
	for _, node := range cfg.Nodes {
		err := NameValidator(string(node.Id))
		if err != nil {
			return err
		}
		if slices.Contains(seen, node.Id) {
			return fmt.Errorf("duplicate node found: %s", node.Id)
		}
		seen = append(seen, node.Id)
		switch node.Role {
		case RoleClient, RoleCommunication, RoleContent, RoleDrone:
		default:
			return fmt.Errorf("node %s has unknown role %q", node.Id, node.Role)
		}
		if node.LossRate < 0 || node.LossRate >= 1 {
			return fmt.Errorf("node %s loss_rate %f must be in [0, 1)", node.Id, node.LossRate)
		}
		if node.LossRate != 0 && node.Role != RoleDrone {
			return fmt.Errorf("node %s is not a drone, loss_rate does not apply", node.Id)
		}
	}
	if _, err := cfg.ParseGraph(); err != nil {
		return err
	}
	return nil
}
