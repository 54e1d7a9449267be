package engine

import (
	"strconv"
	"strings"

	"autoflow/internal/domain"
)

// Parameter references use string prefixes to select a namespace:
//
//	#ip.requester   the instance's owning address
//	#ip.<key>       instance-bound onchain parameters (set at creation)
//	#cp.<key>       per-call parameters (supplied fresh by the executor)
//	anything else   a literal, passed through unchanged
//
// The two namespaces carry different trust: instance params are bound once
// by the requester, call params arrive with every execution. The whitelist
// check on the resolved contract address is the control that keeps call
// params from redirecting a template.
const (
	instanceParamPrefix = "#ip."
	callParamPrefix     = "#cp."
	requesterRef        = "#ip.requester"
)

func resolveParams(requester string, actionParams, instanceParams, callParams map[string]string) (map[string]string, error) {
	resolved := make(map[string]string, len(actionParams))
	for name, ref := range actionParams {
		switch {
		case ref == requesterRef:
			resolved[name] = requester
		case strings.HasPrefix(ref, instanceParamPrefix):
			key := strings.TrimPrefix(ref, instanceParamPrefix)
			value, ok := instanceParams[key]
			if !ok {
				return nil, MissingParamError{Namespace: "instance", Key: key}
			}
			resolved[name] = value
		case strings.HasPrefix(ref, callParamPrefix):
			key := strings.TrimPrefix(ref, callParamPrefix)
			value, ok := callParams[key]
			if !ok {
				return nil, MissingParamError{Namespace: "call", Key: key}
			}
			resolved[name] = value
		default:
			resolved[name] = ref
		}
	}
	return resolved, nil
}

// substitute runs the two placeholder passes on one template string: first
// {{name}} placeholders from the resolved action params, then raw #cp.key
// references straight from the call params. They are distinct mechanisms
// and both apply to the same string.
func substitute(s string, resolved, callParams map[string]string) string {
	for name, value := range resolved {
		s = strings.ReplaceAll(s, "{{"+name+"}}", value)
	}
	for key, value := range callParams {
		s = strings.ReplaceAll(s, callParamPrefix+key, value)
	}
	return s
}

// renderTemplate resolves a template into a concrete contract address,
// message body and funds. Fund amounts must parse as unsigned integers
// after substitution.
func renderTemplate(tpl domain.Template, resolved, callParams map[string]string) (contract, message string, funds []domain.Coin, err error) {
	contract = substitute(tpl.Contract, resolved, callParams)
	message = substitute(tpl.Message, resolved, callParams)
	for _, pair := range tpl.Funds {
		amountStr := substitute(pair[0], resolved, callParams)
		denom := substitute(pair[1], resolved, callParams)
		amount, parseErr := strconv.ParseUint(amountStr, 10, 64)
		if parseErr != nil {
			return "", "", nil, InvalidFundsError{Amount: amountStr}
		}
		funds = append(funds, domain.Coin{Denom: denom, Amount: amount})
	}
	return contract, message, funds, nil
}
