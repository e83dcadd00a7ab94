// Package dynamotest provides an in-memory DynamoDB for unit tests.
//
// It evaluates the small expression subset the stores in this module issue:
// conditions made of attribute_exists / attribute_not_exists and comparisons
// joined by AND / OR (AND binds tighter, no parentheses), update expressions of
// the form "SET a = :x, #b = if_not_exists(#b, :zero) + :inc", and key
// conditions "pk = :v".
package dynamotest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type table struct {
	pk, sk string
	items  map[string]map[string]types.AttributeValue
}

// Fake implements aws.DynamoDBAPI.
type Fake struct {
	mu     sync.Mutex
	tables map[string]*table
	fail   map[string]error
	calls  map[string]int
	// BeforeTransact runs with the lock released before each
	// TransactWriteItems call; tests use it to interleave a competing write.
	BeforeTransact func()
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		tables: map[string]*table{},
		fail:   map[string]error{},
		calls:  map[string]int{},
	}
}

// CreateTable declares a table with a partition key and optional sort key.
func (f *Fake) CreateTable(name, pk, sk string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[name] = &table{pk: pk, sk: sk, items: map[string]map[string]types.AttributeValue{}}
	return f
}

// FailNext makes the next call of op ("GetItem", "PutItem", ...) return err.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = err
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Items returns a copy of every item in tableName, ordered by key.
func (f *Fake) Items(tableName string) []map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tables[tableName]
	if t == nil {
		return nil
	}
	keys := make([]string, 0, len(t.items))
	for k := range t.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]map[string]types.AttributeValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, copyItem(t.items[k]))
	}
	return out
}

// Seed writes item unconditionally.
func (f *Fake) Seed(tableName string, item map[string]types.AttributeValue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.mustTable(tableName)
	t.items[t.keyOf(item)] = copyItem(item)
}

func (f *Fake) enter(op string) error {
	f.calls[op]++
	if err, ok := f.fail[op]; ok {
		delete(f.fail, op)
		return err
	}
	return nil
}

func (f *Fake) mustTable(name string) *table {
	t, ok := f.tables[name]
	if !ok {
		t = &table{pk: "id", items: map[string]map[string]types.AttributeValue{}}
		f.tables[name] = t
	}
	return t
}

func (f *Fake) GetItem(ctx context.Context, in *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetItem"); err != nil {
		return nil, err
	}
	t := f.mustTable(*in.TableName)
	item, ok := t.items[t.keyOf(in.Key)]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(item)}, nil
}

func (f *Fake) PutItem(ctx context.Context, in *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("PutItem"); err != nil {
		return nil, err
	}
	t := f.mustTable(*in.TableName)
	key := t.keyOf(in.Item)
	if err := checkCondition(in.ConditionExpression, t.items[key], in.ExpressionAttributeNames, in.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	t.items[key] = copyItem(in.Item)
	return &dyn.PutItemOutput{}, nil
}

func (f *Fake) UpdateItem(ctx context.Context, in *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpdateItem"); err != nil {
		return nil, err
	}
	t := f.mustTable(*in.TableName)
	key := t.keyOf(in.Key)
	current := t.items[key]
	if err := checkCondition(in.ConditionExpression, current, in.ExpressionAttributeNames, in.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	updated, err := applyUpdate(current, in.Key, deref(in.UpdateExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	t.items[key] = updated
	return &dyn.UpdateItemOutput{Attributes: copyItem(updated)}, nil
}

func (f *Fake) DeleteItem(ctx context.Context, in *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteItem"); err != nil {
		return nil, err
	}
	t := f.mustTable(*in.TableName)
	key := t.keyOf(in.Key)
	if err := checkCondition(in.ConditionExpression, t.items[key], in.ExpressionAttributeNames, in.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	old := t.items[key]
	delete(t.items, key)
	return &dyn.DeleteItemOutput{Attributes: old}, nil
}

func (f *Fake) Query(ctx context.Context, in *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Query"); err != nil {
		return nil, err
	}
	t := f.mustTable(*in.TableName)

	parts := strings.Fields(deref(in.KeyConditionExpression))
	if len(parts) != 3 || parts[1] != "=" {
		return nil, fmt.Errorf("dynamotest: unsupported key condition %q", deref(in.KeyConditionExpression))
	}
	attr := resolveName(parts[0], in.ExpressionAttributeNames)
	want := in.ExpressionAttributeValues[parts[2]]

	var items []map[string]types.AttributeValue
	for _, item := range t.items {
		if compare(item[attr], want) == 0 {
			items = append(items, copyItem(item))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if t.sk == "" {
			return false
		}
		c := compare(items[i][t.sk], items[j][t.sk])
		if in.ScanIndexForward != nil && !*in.ScanIndexForward {
			return c > 0
		}
		return c < 0
	})
	if in.Limit != nil && int(*in.Limit) < len(items) {
		items = items[:*in.Limit]
	}
	return &dyn.QueryOutput{Items: items, Count: int32(len(items))}, nil
}

func (f *Fake) TransactWriteItems(ctx context.Context, in *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	if hook := f.BeforeTransact; hook != nil {
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("TransactWriteItems"); err != nil {
		return nil, err
	}

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, it := range in.TransactItems {
		reasons[i] = types.CancellationReason{Code: strPtr("None")}
		var err error
		switch {
		case it.Put != nil:
			t := f.mustTable(*it.Put.TableName)
			err = checkCondition(it.Put.ConditionExpression, t.items[t.keyOf(it.Put.Item)], it.Put.ExpressionAttributeNames, it.Put.ExpressionAttributeValues)
		case it.Update != nil:
			t := f.mustTable(*it.Update.TableName)
			err = checkCondition(it.Update.ConditionExpression, t.items[t.keyOf(it.Update.Key)], it.Update.ExpressionAttributeNames, it.Update.ExpressionAttributeValues)
		case it.Delete != nil:
			t := f.mustTable(*it.Delete.TableName)
			err = checkCondition(it.Delete.ConditionExpression, t.items[t.keyOf(it.Delete.Key)], it.Delete.ExpressionAttributeNames, it.Delete.ExpressionAttributeValues)
		case it.ConditionCheck != nil:
			t := f.mustTable(*it.ConditionCheck.TableName)
			err = checkCondition(it.ConditionCheck.ConditionExpression, t.items[t.keyOf(it.ConditionCheck.Key)], it.ConditionCheck.ExpressionAttributeNames, it.ConditionCheck.ExpressionAttributeValues)
		}
		if err != nil {
			var ccf *types.ConditionalCheckFailedException
			if !errors.As(err, &ccf) {
				return nil, err
			}
			reasons[i] = types.CancellationReason{Code: strPtr("ConditionalCheckFailed")}
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             strPtr("Transaction cancelled, please refer cancellation reasons for specific reasons"),
			CancellationReasons: reasons,
		}
	}

	for _, it := range in.TransactItems {
		switch {
		case it.Put != nil:
			t := f.mustTable(*it.Put.TableName)
			t.items[t.keyOf(it.Put.Item)] = copyItem(it.Put.Item)
		case it.Update != nil:
			t := f.mustTable(*it.Update.TableName)
			key := t.keyOf(it.Update.Key)
			updated, err := applyUpdate(t.items[key], it.Update.Key, deref(it.Update.UpdateExpression), it.Update.ExpressionAttributeNames, it.Update.ExpressionAttributeValues)
			if err != nil {
				return nil, err
			}
			t.items[key] = updated
		case it.Delete != nil:
			t := f.mustTable(*it.Delete.TableName)
			delete(t.items, t.keyOf(it.Delete.Key))
		}
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func (t *table) keyOf(item map[string]types.AttributeValue) string {
	k := render(item[t.pk])
	if t.sk != "" {
		k += "\x00" + render(item[t.sk])
	}
	return k
}

func checkCondition(expr *string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) error {
	if expr == nil || *expr == "" {
		return nil
	}
	ok, err := evalCondition(*expr, item, names, values)
	if err != nil {
		return err
	}
	if !ok {
		return &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}
	}
	return nil
}

func evalCondition(expr string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	for _, disjunct := range strings.Split(expr, " OR ") {
		all := true
		for _, term := range strings.Split(disjunct, " AND ") {
			ok, err := evalTerm(strings.TrimSpace(term), item, names, values)
			if err != nil {
				return false, err
			}
			if !ok {
				all = false
				break
			}
		}
		if all {
			return true, nil
		}
	}
	return false, nil
}

func evalTerm(term string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	if strings.HasPrefix(term, "attribute_not_exists(") || strings.HasPrefix(term, "attribute_exists(") {
		open := strings.Index(term, "(")
		attr := resolveName(strings.TrimSuffix(term[open+1:], ")"), names)
		_, exists := item[attr]
		if strings.HasPrefix(term, "attribute_not_exists(") {
			return !exists, nil
		}
		return exists, nil
	}

	parts := strings.Fields(term)
	if len(parts) != 3 {
		return false, fmt.Errorf("dynamotest: unsupported condition term %q", term)
	}
	current, exists := item[resolveName(parts[0], names)]
	want, ok := values[parts[2]]
	if !ok {
		return false, fmt.Errorf("dynamotest: missing value %s", parts[2])
	}
	if !exists {
		return false, nil
	}
	c := compare(current, want)
	switch parts[1] {
	case "=":
		return c == 0, nil
	case "<>":
		return c != 0, nil
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	case ">=":
		return c >= 0, nil
	}
	return false, fmt.Errorf("dynamotest: unsupported operator %q", parts[1])
}

func applyUpdate(current, key map[string]types.AttributeValue, expr string, names map[string]string, values map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	out := copyItem(current)
	if out == nil {
		out = map[string]types.AttributeValue{}
	}
	for k, v := range key {
		out[k] = v
	}
	if !strings.HasPrefix(expr, "SET ") {
		return nil, fmt.Errorf("dynamotest: unsupported update %q", expr)
	}
	for _, assignment := range splitAssignments(strings.TrimPrefix(expr, "SET ")) {
		lhs, rhs, ok := strings.Cut(assignment, "=")
		if !ok {
			return nil, fmt.Errorf("dynamotest: unsupported assignment %q", assignment)
		}
		var (
			v   types.AttributeValue
			err error
		)
		if left, right, isSum := strings.Cut(rhs, "+"); isSum {
			v, err = addOperands(current, left, right, names, values)
		} else {
			v, err = operand(current, rhs, names, values)
		}
		if err != nil {
			return nil, err
		}
		out[resolveName(strings.TrimSpace(lhs), names)] = v
	}
	return out, nil
}

// splitAssignments splits on commas outside parentheses.
func splitAssignments(expr string) []string {
	var (
		parts []string
		depth int
		start int
	)
	for i, r := range expr {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, expr[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, expr[start:])
}

// operand evaluates ":v", "path" or "if_not_exists(path, :v)".
func operand(current map[string]types.AttributeValue, term string, names map[string]string, values map[string]types.AttributeValue) (types.AttributeValue, error) {
	term = strings.TrimSpace(term)
	switch {
	case strings.HasPrefix(term, ":"):
		v, ok := values[term]
		if !ok {
			return nil, fmt.Errorf("dynamotest: missing value %s", term)
		}
		return v, nil
	case strings.HasPrefix(term, "if_not_exists(") && strings.HasSuffix(term, ")"):
		path, fallback, ok := strings.Cut(strings.TrimSuffix(strings.TrimPrefix(term, "if_not_exists("), ")"), ",")
		if !ok {
			return nil, fmt.Errorf("dynamotest: unsupported operand %q", term)
		}
		if v, exists := current[resolveName(strings.TrimSpace(path), names)]; exists {
			return v, nil
		}
		return operand(current, fallback, names, values)
	default:
		v, ok := current[resolveName(term, names)]
		if !ok {
			return nil, fmt.Errorf("dynamotest: attribute %s does not exist", term)
		}
		return v, nil
	}
}

func addOperands(current map[string]types.AttributeValue, left, right string, names map[string]string, values map[string]types.AttributeValue) (types.AttributeValue, error) {
	var sum int64
	for _, term := range []string{left, right} {
		v, err := operand(current, term, names, values)
		if err != nil {
			return nil, err
		}
		n, ok := v.(*types.AttributeValueMemberN)
		if !ok {
			return nil, fmt.Errorf("dynamotest: %q is not a number", term)
		}
		i, err := strconv.ParseInt(n.Value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("dynamotest: %q: %w", term, err)
		}
		sum += i
	}
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(sum, 10)}, nil
}

func resolveName(path string, names map[string]string) string {
	if strings.HasPrefix(path, "#") {
		if n, ok := names[path]; ok {
			return n
		}
	}
	return path
}

func compare(a, b types.AttributeValue) int {
	an, aNum := a.(*types.AttributeValueMemberN)
	bn, bNum := b.(*types.AttributeValueMemberN)
	if aNum && bNum {
		x, _ := strconv.ParseFloat(an.Value, 64)
		y, _ := strconv.ParseFloat(bn.Value, 64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	}
	return strings.Compare(render(a), render(b))
}

func render(v types.AttributeValue) string {
	switch t := v.(type) {
	case *types.AttributeValueMemberS:
		return t.Value
	case *types.AttributeValueMemberN:
		return t.Value
	case *types.AttributeValueMemberBOOL:
		return strconv.FormatBool(t.Value)
	case nil:
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func strPtr(s string) *string { return &s }
