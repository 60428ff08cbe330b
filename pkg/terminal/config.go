package terminal

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/ge-labs/memsnap/pkg/config"
)

func configureCmd(t *Term, ctx callContext, args string) error {
	switch args {
	case "-list":
		return configureList(t)
	case "-save":
		return config.SaveConfig(t.conf)
	case "":
		return fmt.Errorf("wrong number of arguments to \"config\"")
	default:
		return configureSet(t, args)
	}
}

type configureIterator struct {
	cfgValue reflect.Value
	cfgType  reflect.Type
	i        int
}

func iterateConfiguration(conf *config.Config) *configureIterator {
	cfgValue := reflect.ValueOf(conf).Elem()
	cfgType := cfgValue.Type()

	return &configureIterator{cfgValue, cfgType, -1}
}

func (it *configureIterator) Next() bool {
	it.i++
	return it.i < it.cfgValue.NumField()
}

func (it *configureIterator) Field() (name string, field reflect.Value) {
	name = it.cfgType.Field(it.i).Tag.Get("yaml")
	if comma := strings.Index(name, ","); comma >= 0 {
		name = name[:comma]
	}
	field = it.cfgValue.Field(it.i)
	return
}

func configureFindFieldByName(conf *config.Config, name string) reflect.Value {
	it := iterateConfiguration(conf)
	for it.Next() {
		fieldName, field := it.Field()
		if fieldName == name {
			return field
		}
	}
	return reflect.ValueOf(nil)
}

func configureList(t *Term) error {
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 1, ' ', 0)

	it := iterateConfiguration(t.conf)
	for it.Next() {
		fieldName, field := it.Field()
		if fieldName == "" || fieldName == "aliases" {
			continue
		}
		fmt.Fprintf(w, "%s\t%v\n", fieldName, field)
	}
	return w.Flush()
}

func configureSet(t *Term, args string) error {
	v := split2PartsBySpace(args)

	cfgname := v[0]
	var rest string
	if len(v) == 2 {
		rest = v[1]
	}

	if cfgname == "alias" {
		return configureSetAlias(t, rest)
	}

	field := configureFindFieldByName(t.conf, cfgname)
	if !field.CanAddr() {
		return fmt.Errorf("%q is not a configuration parameter", cfgname)
	}

	switch field.Kind() {
	case reflect.Int:
		n, err := strconv.Atoi(rest)
		if err != nil {
			return fmt.Errorf("argument to %q must be a number", cfgname)
		}
		if n < 0 {
			return fmt.Errorf("argument to %q must be a number greater than zero", cfgname)
		}
		field.SetInt(int64(n))
	case reflect.Uint:
		n, err := strconv.ParseUint(rest, 0, 64)
		if err != nil {
			return fmt.Errorf("argument to %q must be a number", cfgname)
		}
		field.SetUint(n)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported type for configuration key %q", cfgname)
		}
		list, err := parseArgs(rest)
		if err != nil {
			return err
		}
		field.Set(reflect.ValueOf(list))
	default:
		return fmt.Errorf("unsupported type for configuration key %q", cfgname)
	}
	fmt.Fprintf(t.stdout, "%s will be used from the next attach\n", cfgname)
	return nil
}

func configureSetAlias(t *Term, rest string) error {
	argv, err := parseArgs(rest)
	if err != nil {
		return err
	}
	switch len(argv) {
	case 1: // delete alias rule
		for k := range t.conf.Aliases {
			v := t.conf.Aliases[k]
			for i := range v {
				if v[i] == argv[0] {
					copy(v[i:], v[i+1:])
					t.conf.Aliases[k] = v[:len(v)-1]
					break
				}
			}
		}
	case 2: // add alias rule
		alias, cmd := argv[1], argv[0]
		if _, ok := t.cmds.Find(cmd); !ok {
			return fmt.Errorf("%q is not a command", cmd)
		}
		if t.conf.Aliases == nil {
			t.conf.Aliases = make(map[string][]string)
		}
		t.conf.Aliases[cmd] = append(t.conf.Aliases[cmd], alias)
	default:
		return fmt.Errorf("wrong number of arguments to \"config alias\"")
	}
	t.cmds.Merge(t.conf.Aliases)
	return nil
}
