package pql

// preprocess validates every Filter leaf and prunes the tree of vacuous
// nodes, porting db/pql/build_query.py's pre-pass: a filter that reports
// itself vacuous (Validate returning false) is dropped; And/Or nodes left
// with zero children vanish, nodes left with one child collapse to it;
// Not wrapping a now-vacuous child is a no-op and also vanishes. A nil
// return means "match everything" — the root CTE with no narrowing.
func preprocess(el QueryElement) (QueryElement, error) {
	if el == nil {
		return nil, nil
	}
	switch v := el.(type) {
	case And:
		var kept []QueryElement
		for _, child := range v.Elements {
			pruned, err := preprocess(child)
			if err != nil {
				return nil, err
			}
			if pruned != nil {
				kept = append(kept, pruned)
			}
		}
		switch len(kept) {
		case 0:
			return nil, nil
		case 1:
			return kept[0], nil
		default:
			return And{Elements: kept}, nil
		}

	case Or:
		var kept []QueryElement
		for _, child := range v.Elements {
			pruned, err := preprocess(child)
			if err != nil {
				return nil, err
			}
			if pruned != nil {
				kept = append(kept, pruned)
			}
		}
		switch len(kept) {
		case 0:
			return nil, nil
		case 1:
			return kept[0], nil
		default:
			return Or{Elements: kept}, nil
		}

	case Not:
		child, err := preprocess(v.Element)
		if err != nil {
			return nil, err
		}
		if child == nil {
			return nil, nil
		}
		return Not{Element: child}, nil

	case Filter:
		ok, err := v.Validate()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return v, nil

	default:
		return el, nil
	}
}
