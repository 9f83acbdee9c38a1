package manager

import (
	"encoding/json"
	"strings"

	"aicpusched/internal/model"
	"aicpusched/pkg/types"
)

var queueDirections = map[string]model.QueueFlag{
	"input":         model.QueueFlagInput,
	"output":        model.QueueFlagOutput,
	"client_input":  model.QueueFlagClientInput,
	"client_output": model.QueueFlagClientOutput,
}

var modelTypes = map[string]model.Type{
	"embedding":  model.TypeEmbedding,
	"sync_event": model.TypeSyncEvent,
}

// FromSpec converts a wire model spec into load info and configuration.
func FromSpec(spec types.ModelSpec) (model.Info, *model.Config, error) {
	info := model.Info{
		ID:             spec.ID,
		TsID:           spec.TsID,
		InputMsgQueue:  spec.InputMsgQueue,
		OutputMsgQueue: spec.OutputMsgQueue,
	}
	aicpu := make(map[uint32]bool, len(spec.Streams))
	for _, s := range spec.Streams {
		var flags uint32
		if s.AICPU {
			flags |= model.StreamFlagAICPU
		}
		if s.Head {
			flags |= model.StreamFlagHead
		}
		aicpu[s.ID] = s.AICPU
		info.Streams = append(info.Streams, model.StreamInfo{ID: s.ID, Flags: flags})
	}
	for _, t := range spec.Tasks {
		if strings.TrimSpace(t.Kernel) == "" {
			return model.Info{}, nil, model.Errorf(model.CodeParamInvalid, "task %d has no kernel", t.ID)
		}
		kt := model.KernelTypeCCE
		if aicpu[t.StreamID] {
			kt = model.KernelTypeAICPU
		}
		task := model.Task{ID: t.ID, StreamID: t.StreamID, KernelType: kt, KernelName: t.Kernel}
		if len(t.Params) > 0 {
			b, err := json.Marshal(t.Params)
			if err != nil {
				return model.Info{}, nil, model.Errorf(model.CodeParamInvalid, "task %d params: %v", t.ID, err)
			}
			task.Params = b
		}
		info.Tasks = append(info.Tasks, task)
	}
	for _, q := range spec.Queues {
		flag, ok := queueDirections[strings.ToLower(q.Direction)]
		if !ok {
			return model.Info{}, nil, model.Errorf(model.CodeParamInvalid, "queue %d has unknown direction %q", q.ID, q.Direction)
		}
		info.Queues = append(info.Queues, model.QueueInfo{ID: q.ID, Flag: flag})
	}
	if spec.Config == nil {
		return info, nil, nil
	}

	c := spec.Config
	typ, ok := modelTypes[strings.ToLower(c.Type)]
	if !ok {
		return model.Info{}, nil, model.Errorf(model.CodeParamInvalid, "unknown model type %q", c.Type)
	}
	cfg := &model.Config{
		Type:                 typ,
		TagID:                c.TagID,
		PsID:                 c.PsID,
		SupportCounterFilter: c.SupportCounterFilter,
	}
	for _, p := range c.InputPools {
		cfg.InputPools = append(cfg.InputPools, model.PoolConfig{BlockNum: p.BlockNum, BlockSize: p.BlockSize})
	}
	for _, p := range c.OutputPools {
		cfg.OutputPools = append(cfg.OutputPools, model.PoolConfig{BlockNum: p.BlockNum, BlockSize: p.BlockSize})
	}
	for _, g := range c.CommGroups {
		cfg.CommGroups = append(cfg.CommGroups, model.CommGroup{Name: g.Name, RankIDs: g.RankIDs})
	}
	return info, cfg, nil
}

// ParseExceptionAction maps the wire action name.
func ParseExceptionAction(s string) (model.ExceptionAction, error) {
	switch strings.ToLower(s) {
	case "add":
		return model.ExceptionAdd, nil
	case "expire":
		return model.ExceptionExpire, nil
	}
	return 0, model.Errorf(model.CodeParamInvalid, "unknown exception action %q", s)
}
