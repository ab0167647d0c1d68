// Package awstest provides in-memory stand-ins for the AWS client interfaces
// in internal/aws. The DynamoDB fake understands the expression subset the
// stores in this module write: AND-joined conditions built from
// attribute_exists, attribute_not_exists and the comparison operators, and
// update expressions made of SET (with + / - arithmetic), ADD and REMOVE.
package awstest

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type keySchema struct {
	hash  string
	rng   string
	index map[string]indexSchema
}

type indexSchema struct {
	hash string
	rng  string
}

type table struct {
	schema keySchema
	items  map[string]map[string]types.AttributeValue
}

// DynamoDB is a concurrency-safe in-memory DynamoDB.
type DynamoDB struct {
	mu     sync.Mutex
	tables map[string]*table
	errs   map[string]error
	calls  map[string]int
}

// NewDynamoDB returns an empty fake with no tables.
func NewDynamoDB() *DynamoDB {
	return &DynamoDB{
		tables: map[string]*table{},
		errs:   map[string]error{},
		calls:  map[string]int{},
	}
}

// AddTable registers a table keyed by a single string hash attribute.
func (d *DynamoDB) AddTable(name, hashKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tables[name] = &table{
		schema: keySchema{hash: hashKey, index: map[string]indexSchema{}},
		items:  map[string]map[string]types.AttributeValue{},
	}
}

// FailOn makes every call to op (e.g. "PutItem") return err until cleared with a nil err.
func (d *DynamoDB) FailOn(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.errs, op)
		return
	}
	d.errs[op] = err
}

// Calls returns how many times op was invoked.
func (d *DynamoDB) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

// Items returns a copy of every item in the table.
func (d *DynamoDB) Items(tableName string) []map[string]types.AttributeValue {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tables[tableName]
	if !ok {
		return nil
	}
	out := make([]map[string]types.AttributeValue, 0, len(t.items))
	for _, k := range sortedKeys(t.items) {
		out = append(out, clone(t.items[k]))
	}
	return out
}

// Put stores an item directly, bypassing conditions.
func (d *DynamoDB) Put(tableName string, item map[string]types.AttributeValue) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.tables[tableName]
	k, err := t.key(item)
	if err != nil {
		panic(err)
	}
	t.items[k] = clone(item)
}

func (d *DynamoDB) enter(op string) error {
	d.calls[op]++
	return d.errs[op]
}

func (d *DynamoDB) lookup(name *string) (*table, error) {
	t, ok := d.tables[sdkaws.ToString(name)]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: sdkaws.String("table not found: " + sdkaws.ToString(name))}
	}
	return t, nil
}

func (d *DynamoDB) CreateTable(ctx context.Context, in *dyn.CreateTableInput, _ ...func(*dyn.Options)) (*dyn.CreateTableOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("CreateTable"); err != nil {
		return nil, err
	}
	name := sdkaws.ToString(in.TableName)
	if _, ok := d.tables[name]; ok {
		return nil, &types.ResourceInUseException{Message: sdkaws.String("table exists: " + name)}
	}
	schema := keySchema{index: map[string]indexSchema{}}
	schema.hash, schema.rng = schemaOf(in.KeySchema)
	for _, gsi := range in.GlobalSecondaryIndexes {
		h, r := schemaOf(gsi.KeySchema)
		schema.index[sdkaws.ToString(gsi.IndexName)] = indexSchema{hash: h, rng: r}
	}
	d.tables[name] = &table{schema: schema, items: map[string]map[string]types.AttributeValue{}}
	return &dyn.CreateTableOutput{TableDescription: &types.TableDescription{
		TableName:   in.TableName,
		TableStatus: types.TableStatusActive,
	}}, nil
}

func (d *DynamoDB) DescribeTable(ctx context.Context, in *dyn.DescribeTableInput, _ ...func(*dyn.Options)) (*dyn.DescribeTableOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("DescribeTable"); err != nil {
		return nil, err
	}
	if _, err := d.lookup(in.TableName); err != nil {
		return nil, err
	}
	return &dyn.DescribeTableOutput{Table: &types.TableDescription{
		TableName:   in.TableName,
		TableStatus: types.TableStatusActive,
	}}, nil
}

func (d *DynamoDB) PutItem(ctx context.Context, in *dyn.PutItemInput, _ ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("PutItem"); err != nil {
		return nil, err
	}
	t, err := d.lookup(in.TableName)
	if err != nil {
		return nil, err
	}
	k, err := t.key(in.Item)
	if err != nil {
		return nil, err
	}
	ok, err := evalCondition(in.ConditionExpression, t.items[k], in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: sdkaws.String("The conditional request failed")}
	}
	t.items[k] = clone(in.Item)
	return &dyn.PutItemOutput{}, nil
}

func (d *DynamoDB) GetItem(ctx context.Context, in *dyn.GetItemInput, _ ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("GetItem"); err != nil {
		return nil, err
	}
	t, err := d.lookup(in.TableName)
	if err != nil {
		return nil, err
	}
	k, err := t.key(in.Key)
	if err != nil {
		return nil, err
	}
	item, ok := t.items[k]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: clone(item)}, nil
}

func (d *DynamoDB) UpdateItem(ctx context.Context, in *dyn.UpdateItemInput, _ ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("UpdateItem"); err != nil {
		return nil, err
	}
	t, err := d.lookup(in.TableName)
	if err != nil {
		return nil, err
	}
	updated, err := t.update(in.Key, in.UpdateExpression, in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	out := &dyn.UpdateItemOutput{}
	if in.ReturnValues != "" && in.ReturnValues != types.ReturnValueNone {
		out.Attributes = clone(updated)
	}
	return out, nil
}

func (d *DynamoDB) DeleteItem(ctx context.Context, in *dyn.DeleteItemInput, _ ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("DeleteItem"); err != nil {
		return nil, err
	}
	t, err := d.lookup(in.TableName)
	if err != nil {
		return nil, err
	}
	k, err := t.key(in.Key)
	if err != nil {
		return nil, err
	}
	ok, err := evalCondition(in.ConditionExpression, t.items[k], in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: sdkaws.String("The conditional request failed")}
	}
	delete(t.items, k)
	return &dyn.DeleteItemOutput{}, nil
}

// Query supports an equality key condition on the table or index hash key.
// Results are ordered by the range key and returned in a single page.
func (d *DynamoDB) Query(ctx context.Context, in *dyn.QueryInput, _ ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("Query"); err != nil {
		return nil, err
	}
	t, err := d.lookup(in.TableName)
	if err != nil {
		return nil, err
	}
	hash, rng := t.schema.hash, t.schema.rng
	if in.IndexName != nil {
		idx, ok := t.schema.index[*in.IndexName]
		if !ok {
			return nil, fmt.Errorf("awstest: unknown index %s", *in.IndexName)
		}
		hash, rng = idx.hash, idx.rng
	}

	var matched []map[string]types.AttributeValue
	for _, k := range sortedKeys(t.items) {
		item := t.items[k]
		if item[hash] == nil {
			continue // sparse index
		}
		ok, err := evalCondition(in.KeyConditionExpression, item, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if ok && in.FilterExpression != nil {
			ok, err = evalCondition(in.FilterExpression, item, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
			if err != nil {
				return nil, err
			}
		}
		if ok {
			matched = append(matched, clone(item))
		}
	}
	if rng != "" {
		sort.SliceStable(matched, func(i, j int) bool {
			c, _ := compare(matched[i][rng], matched[j][rng])
			return c < 0
		})
	}
	if in.ScanIndexForward != nil && !*in.ScanIndexForward {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}
	return &dyn.QueryOutput{Items: matched, Count: int32(len(matched))}, nil
}

// Scan returns every item in key order in a single page.
func (d *DynamoDB) Scan(ctx context.Context, in *dyn.ScanInput, _ ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("Scan"); err != nil {
		return nil, err
	}
	t, err := d.lookup(in.TableName)
	if err != nil {
		return nil, err
	}
	var items []map[string]types.AttributeValue
	for _, k := range sortedKeys(t.items) {
		item := t.items[k]
		if in.FilterExpression != nil {
			ok, err := evalCondition(in.FilterExpression, item, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		items = append(items, clone(item))
	}
	return &dyn.ScanOutput{Items: items, Count: int32(len(items))}, nil
}

func (d *DynamoDB) BatchWriteItem(ctx context.Context, in *dyn.BatchWriteItemInput, _ ...func(*dyn.Options)) (*dyn.BatchWriteItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("BatchWriteItem"); err != nil {
		return nil, err
	}
	total := 0
	for _, reqs := range in.RequestItems {
		total += len(reqs)
	}
	if total > 25 {
		return nil, fmt.Errorf("awstest: batch of %d exceeds 25 requests", total)
	}
	for name, reqs := range in.RequestItems {
		t, err := d.lookup(sdkaws.String(name))
		if err != nil {
			return nil, err
		}
		for _, r := range reqs {
			switch {
			case r.PutRequest != nil:
				k, err := t.key(r.PutRequest.Item)
				if err != nil {
					return nil, err
				}
				t.items[k] = clone(r.PutRequest.Item)
			case r.DeleteRequest != nil:
				k, err := t.key(r.DeleteRequest.Key)
				if err != nil {
					return nil, err
				}
				delete(t.items, k)
			}
		}
	}
	return &dyn.BatchWriteItemOutput{}, nil
}

// TransactWriteItems checks every condition before applying any write.
func (d *DynamoDB) TransactWriteItems(ctx context.Context, in *dyn.TransactWriteItemsInput, _ ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("TransactWriteItems"); err != nil {
		return nil, err
	}

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	canceled := false
	for i, it := range in.TransactItems {
		var (
			tableName *string
			key       map[string]types.AttributeValue
			cond      *string
			names     map[string]string
			values    map[string]types.AttributeValue
		)
		switch {
		case it.Put != nil:
			tableName, key, cond, names, values = it.Put.TableName, it.Put.Item, it.Put.ConditionExpression, it.Put.ExpressionAttributeNames, it.Put.ExpressionAttributeValues
		case it.Update != nil:
			tableName, key, cond, names, values = it.Update.TableName, it.Update.Key, it.Update.ConditionExpression, it.Update.ExpressionAttributeNames, it.Update.ExpressionAttributeValues
		case it.Delete != nil:
			tableName, key, cond, names, values = it.Delete.TableName, it.Delete.Key, it.Delete.ConditionExpression, it.Delete.ExpressionAttributeNames, it.Delete.ExpressionAttributeValues
		case it.ConditionCheck != nil:
			tableName, key, cond, names, values = it.ConditionCheck.TableName, it.ConditionCheck.Key, it.ConditionCheck.ConditionExpression, it.ConditionCheck.ExpressionAttributeNames, it.ConditionCheck.ExpressionAttributeValues
		default:
			return nil, errors.New("awstest: empty transact item")
		}
		t, err := d.lookup(tableName)
		if err != nil {
			return nil, err
		}
		k, err := t.key(key)
		if err != nil {
			return nil, err
		}
		ok, err := evalCondition(cond, t.items[k], names, values)
		if err != nil {
			return nil, err
		}
		if ok {
			reasons[i] = types.CancellationReason{Code: sdkaws.String("None")}
			continue
		}
		canceled = true
		reasons[i] = types.CancellationReason{
			Code:    sdkaws.String("ConditionalCheckFailed"),
			Message: sdkaws.String("The conditional request failed"),
		}
	}
	if canceled {
		return nil, &types.TransactionCanceledException{
			Message:             sdkaws.String("Transaction cancelled, please refer cancellation reasons for specific reasons"),
			CancellationReasons: reasons,
		}
	}

	for _, it := range in.TransactItems {
		switch {
		case it.Put != nil:
			t := d.tables[sdkaws.ToString(it.Put.TableName)]
			k, _ := t.key(it.Put.Item)
			t.items[k] = clone(it.Put.Item)
		case it.Update != nil:
			t := d.tables[sdkaws.ToString(it.Update.TableName)]
			if _, err := t.update(it.Update.Key, it.Update.UpdateExpression, nil, it.Update.ExpressionAttributeNames, it.Update.ExpressionAttributeValues); err != nil {
				return nil, err
			}
		case it.Delete != nil:
			t := d.tables[sdkaws.ToString(it.Delete.TableName)]
			k, _ := t.key(it.Delete.Key)
			delete(t.items, k)
		}
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func (t *table) key(item map[string]types.AttributeValue) (string, error) {
	h, ok := item[t.schema.hash]
	if !ok {
		return "", fmt.Errorf("awstest: missing hash key %q", t.schema.hash)
	}
	k := scalar(h)
	if t.schema.rng != "" {
		r, ok := item[t.schema.rng]
		if !ok {
			return "", fmt.Errorf("awstest: missing range key %q", t.schema.rng)
		}
		k += "|" + scalar(r)
	}
	return k, nil
}

func (t *table) update(key map[string]types.AttributeValue, expr, cond *string, names map[string]string, values map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	k, err := t.key(key)
	if err != nil {
		return nil, err
	}
	current := t.items[k]
	ok, err := evalCondition(cond, current, names, values)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: sdkaws.String("The conditional request failed")}
	}
	item := clone(current)
	if item == nil {
		item = clone(key)
	}
	if err := applyUpdate(sdkaws.ToString(expr), item, names, values); err != nil {
		return nil, err
	}
	t.items[k] = item
	return item, nil
}

var clauseRE = regexp.MustCompile(`(?:^|\s)(SET|ADD|REMOVE)\s`)

func applyUpdate(expr string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) error {
	locs := clauseRE.FindAllStringSubmatchIndex(expr, -1)
	if len(locs) == 0 {
		return fmt.Errorf("awstest: unsupported update expression %q", expr)
	}
	for i, loc := range locs {
		end := len(expr)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		keyword := expr[loc[2]:loc[3]]
		body := strings.TrimSpace(expr[loc[1]:end])
		for _, action := range strings.Split(body, ",") {
			action = strings.TrimSpace(action)
			if action == "" {
				continue
			}
			var err error
			switch keyword {
			case "SET":
				err = applySet(action, item, names, values)
			case "ADD":
				err = applyAdd(action, item, names, values)
			case "REMOVE":
				delete(item, resolveName(action, names))
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func applySet(action string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) error {
	left, right, ok := strings.Cut(action, "=")
	if !ok {
		return fmt.Errorf("awstest: bad SET action %q", action)
	}
	path := resolveName(strings.TrimSpace(left), names)
	right = strings.TrimSpace(right)
	for _, op := range []string{" + ", " - "} {
		a, b, found := strings.Cut(right, op)
		if !found {
			continue
		}
		x := operand(strings.TrimSpace(a), item, names, values)
		y := operand(strings.TrimSpace(b), item, names, values)
		xn, err := number(x)
		if err != nil {
			return err
		}
		yn, err := number(y)
		if err != nil {
			return err
		}
		if op == " - " {
			yn = -yn
		}
		item[path] = &types.AttributeValueMemberN{Value: formatNumber(xn + yn)}
		return nil
	}
	v := operand(right, item, names, values)
	if v == nil {
		return fmt.Errorf("awstest: unresolved operand %q", right)
	}
	item[path] = v
	return nil
}

func applyAdd(action string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) error {
	fields := strings.Fields(action)
	if len(fields) != 2 {
		return fmt.Errorf("awstest: bad ADD action %q", action)
	}
	path := resolveName(fields[0], names)
	inc, err := number(values[fields[1]])
	if err != nil {
		return err
	}
	var cur float64
	if existing := item[path]; existing != nil {
		if cur, err = number(existing); err != nil {
			return err
		}
	}
	item[path] = &types.AttributeValueMemberN{Value: formatNumber(cur + inc)}
	return nil
}

var comparators = []string{">=", "<=", "<>", "=", ">", "<"}

func evalCondition(expr *string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	if expr == nil || strings.TrimSpace(*expr) == "" {
		return true, nil
	}
	for _, term := range strings.Split(*expr, " AND ") {
		term = strings.TrimSpace(term)
		switch {
		case strings.HasPrefix(term, "attribute_not_exists("):
			path := resolveName(strings.TrimSuffix(strings.TrimPrefix(term, "attribute_not_exists("), ")"), names)
			if item[path] != nil {
				return false, nil
			}
		case strings.HasPrefix(term, "attribute_exists("):
			path := resolveName(strings.TrimSuffix(strings.TrimPrefix(term, "attribute_exists("), ")"), names)
			if item[path] == nil {
				return false, nil
			}
		default:
			ok, err := evalComparison(term, item, names, values)
			if err != nil || !ok {
				return false, err
			}
		}
	}
	return true, nil
}

func evalComparison(term string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	for _, op := range comparators {
		a, b, found := strings.Cut(term, " "+op+" ")
		if !found {
			continue
		}
		left := operand(strings.TrimSpace(a), item, names, values)
		right := operand(strings.TrimSpace(b), item, names, values)
		if left == nil || right == nil {
			return op == "<>", nil
		}
		c, err := compare(left, right)
		if err != nil {
			return false, err
		}
		switch op {
		case "=":
			return c == 0, nil
		case "<>":
			return c != 0, nil
		case ">=":
			return c >= 0, nil
		case "<=":
			return c <= 0, nil
		case ">":
			return c > 0, nil
		case "<":
			return c < 0, nil
		}
	}
	return false, fmt.Errorf("awstest: unsupported condition %q", term)
}

func operand(tok string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) types.AttributeValue {
	if strings.HasPrefix(tok, ":") {
		return values[tok]
	}
	return item[resolveName(tok, names)]
}

func resolveName(tok string, names map[string]string) string {
	tok = strings.TrimSpace(tok)
	if strings.HasPrefix(tok, "#") {
		if n, ok := names[tok]; ok {
			return n
		}
	}
	return tok
}

func compare(a, b types.AttributeValue) (int, error) {
	switch av := a.(type) {
	case *types.AttributeValueMemberN:
		x, err := number(av)
		if err != nil {
			return 0, err
		}
		y, err := number(b)
		if err != nil {
			return 0, err
		}
		switch {
		case x < y:
			return -1, nil
		case x > y:
			return 1, nil
		}
		return 0, nil
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return 0, fmt.Errorf("awstest: cannot compare S with %T", b)
		}
		return strings.Compare(av.Value, bv.Value), nil
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		if !ok || av.Value != bv.Value {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("awstest: cannot compare %T", a)
}

func number(av types.AttributeValue) (float64, error) {
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("awstest: expected number attribute, got %T", av)
	}
	return strconv.ParseFloat(n.Value, 64)
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func scalar(av types.AttributeValue) string {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return "S:" + v.Value
	case *types.AttributeValueMemberN:
		f, err := strconv.ParseFloat(v.Value, 64)
		if err != nil {
			return "N:" + v.Value
		}
		// zero-padded so lexical key order matches numeric order for non-negative keys
		return fmt.Sprintf("N:%020.6f", f)
	case *types.AttributeValueMemberB:
		return "B:" + string(v.Value)
	}
	return fmt.Sprintf("%T", av)
}

func schemaOf(ks []types.KeySchemaElement) (hash, rng string) {
	for _, e := range ks {
		switch e.KeyType {
		case types.KeyTypeHash:
			hash = sdkaws.ToString(e.AttributeName)
		case types.KeyTypeRange:
			rng = sdkaws.ToString(e.AttributeName)
		}
	}
	return hash, rng
}

func sortedKeys(m map[string]map[string]types.AttributeValue) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func clone(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}
