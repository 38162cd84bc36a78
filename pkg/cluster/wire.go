package cluster

import "strings"

// encodeMembers flattens a member snapshot into the property-map
// convention used by cluster-status control messages (spec.md §6.3
// "members[]"): one "member.<ep>.mode" plus "member.<ep>.prop.<key>"
// entry per member and property.
func encodeMembers(props map[string]string, members map[string]MemberStatus) {
	var eps []string
	for ep, st := range members {
		eps = append(eps, ep)
		props["member."+ep+".mode"] = strings.ToLower(st.Mode.String())
		for k, v := range st.Properties {
			props["member."+ep+".prop."+k] = v
		}
	}
	props["members[]"] = strings.Join(eps, ",")
}

// decodeMembers reverses encodeMembers.
func decodeMembers(props map[string]string) map[string]MemberStatus {
	out := make(map[string]MemberStatus)
	list := props["members[]"]
	if list == "" {
		return out
	}
	for _, ep := range strings.Split(list, ",") {
		if ep == "" {
			continue
		}
		st := MemberStatus{EP: ep, Mode: parseMode(props["member."+ep+".mode"]), Properties: map[string]string{}}
		prefix := "member." + ep + ".prop."
		for k, v := range props {
			if strings.HasPrefix(k, prefix) {
				st.Properties[strings.TrimPrefix(k, prefix)] = v
			}
		}
		out[ep] = st
	}
	return out
}

// encodeGlobalProps flattens the global-properties map into one
// "global.<key>" entry per property plus a "global-props[]" entry listing
// the keys, comma-separated (spec.md §6.3 "global-props{}").
func encodeGlobalProps(props, global map[string]string) {
	var keys []string
	for k, v := range global {
		keys = append(keys, k)
		props["global."+k] = v
	}
	props["global-props[]"] = strings.Join(keys, ",")
}

// decodeGlobalProps reverses encodeGlobalProps.
func decodeGlobalProps(props map[string]string) map[string]string {
	out := make(map[string]string)
	list := props["global-props[]"]
	if list == "" {
		return out
	}
	for _, k := range strings.Split(list, ",") {
		if k == "" {
			continue
		}
		out[k] = props["global."+k]
	}
	return out
}
